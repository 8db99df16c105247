package engine

import (
	"fmt"
	"os"
	"strings"
	"time"
)

const (
	BackendRemote = "remote"
	BackendGoCV   = "gocv"
	BackendOllama = "ollama"

	DefaultTimeout = 60 * time.Second
)

// ReadNames loads one class name per line, tolerating CRLF and blank lines.
func ReadNames(path string) ([]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read names file: %w", err)
	}
	raw := strings.Split(string(b), "\n")
	names := make([]string, 0, len(raw))
	for _, l := range raw {
		l = strings.TrimSpace(strings.TrimRight(l, "\r"))
		if l != "" {
			names = append(names, l)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("names file %s is empty", path)
	}
	return names, nil
}

func nameOf(names []string, id int) string {
	if id >= 0 && id < len(names) {
		return names[id]
	}
	return fmt.Sprintf("class_%d", id)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
