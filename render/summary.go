package render

import (
	"fmt"
	"strings"

	iface "DendroDetServer/interface"
)

const NoObjectsText = "No objects detected."

// Summarize counts detections per class in first-seen order.
func Summarize(result iface.AnalysisResult) string {
	if len(result.Detections) == 0 {
		return NoObjectsText
	}
	counts := make(map[string]int)
	var order []string
	for _, d := range result.Detections {
		if _, ok := counts[d.ClassName]; !ok {
			order = append(order, d.ClassName)
		}
		counts[d.ClassName]++
	}
	var sb strings.Builder
	for _, name := range order {
		fmt.Fprintf(&sb, "%s: %d\n", name, counts[name])
	}
	fmt.Fprintf(&sb, "Total: %d", len(result.Detections))
	return sb.String()
}
