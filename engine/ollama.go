package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/disintegration/imaging"
	"github.com/ollama/ollama/api"

	iface "DendroDetServer/interface"
)

var jsonObject = regexp.MustCompile(`(?s)\{.*\}`)

// OllamaClassifier asks a vision LLM to pick a label for each crop.
type OllamaClassifier struct {
	client *api.Client
	model  string
	labels []string
}

func NewOllamaClassifier(ollamaURL, model string, labels []string) (*OllamaClassifier, error) {
	u, err := url.Parse(ollamaURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ollama url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid ollama url %q", ollamaURL)
	}
	if model == "" {
		return nil, errors.New("ollama model is empty")
	}
	base := &url.URL{Scheme: u.Scheme, Host: u.Host}
	return &OllamaClassifier{
		client: api.NewClient(base, http.DefaultClient),
		model:  model,
		labels: labels,
	}, nil
}

func (c *OllamaClassifier) prompt() string {
	var sb strings.Builder
	sb.WriteString("Identify the tree or plant species in this image.")
	if len(c.labels) > 0 {
		sb.WriteString(" Choose exactly one of: ")
		sb.WriteString(strings.Join(c.labels, ", "))
		sb.WriteString(".")
	}
	sb.WriteString(` Reply with JSON only: {"class_name": "<species>", "confidence": <0..1>}`)
	return sb.String()
}

func (c *OllamaClassifier) Predict(ctx context.Context, crop image.Image) (iface.ClassResult, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, crop, imaging.PNG); err != nil {
		return iface.ClassResult{}, fmt.Errorf("encode crop: %w", err)
	}

	stream := false
	req := &api.ChatRequest{
		Model: c.model,
		Messages: []api.Message{{
			Role:    "user",
			Content: c.prompt(),
			Images:  []api.ImageData{api.ImageData(buf.Bytes())},
		}},
		Stream: &stream,
	}

	var content string
	err := c.client.Chat(ctx, req, func(resp api.ChatResponse) error {
		content += resp.Message.Content
		return nil
	})
	if err != nil {
		return iface.ClassResult{}, fmt.Errorf("ollama chat: %w", err)
	}
	return c.parse(content)
}

func (c *OllamaClassifier) parse(content string) (iface.ClassResult, error) {
	raw := jsonObject.FindString(content)
	if raw == "" {
		return iface.ClassResult{}, fmt.Errorf("no json in ollama response: %q", content)
	}
	var out struct {
		ClassName  string  `json:"class_name"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return iface.ClassResult{}, fmt.Errorf("decode ollama response: %w", err)
	}
	out.ClassName = strings.TrimSpace(out.ClassName)
	if out.ClassName == "" {
		return iface.ClassResult{}, errors.New("ollama response has no class_name")
	}

	id := -1
	for i, l := range c.labels {
		if strings.EqualFold(l, out.ClassName) {
			id = i
			out.ClassName = l
			break
		}
	}
	return iface.ClassResult{
		ClassID:    id,
		ClassName:  out.ClassName,
		Confidence: clamp(out.Confidence, 0, 1),
	}, nil
}

func (c *OllamaClassifier) ModelPath() string { return "ollama:" + c.model }
