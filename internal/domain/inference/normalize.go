package inference

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Field names seen across the inference endpoints, in lookup order.
var (
	findingKeys        = []string{"findings", "finding", "label", "prediction", "diagnosis", "class"}
	confidenceKeys     = []string{"confidence", "score", "probability", "prob"}
	recommendationKeys = []string{"recommendations", "recommendation", "advice"}
	outputKeys         = []string{"output_url", "image_url", "output_path"}
)

// Normalize parses an endpoint response body into a Prediction. Only a body
// that is not a JSON object is an error; missing fields are left empty so the
// caller decides the fallbacks.
func Normalize(task Task, body []byte) (Prediction, error) {
	raw := bytes.TrimSpace(body)
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return Prediction{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if obj == nil {
		return Prediction{}, fmt.Errorf("%w: null body", ErrMalformedPayload)
	}

	// Some endpoints wrap everything under "result" or "data".
	for _, k := range []string{"result", "data"} {
		if inner, ok := obj[k].(map[string]any); ok {
			for ik, iv := range inner {
				if _, exists := obj[ik]; !exists {
					obj[ik] = iv
				}
			}
		}
	}

	p := Prediction{Raw: json.RawMessage(raw)}
	switch task {
	case TaskModalityConversion:
		parseConversion(obj, &p)
	default:
		parseClassification(obj, &p)
	}
	p.Recommendations = firstText(obj, recommendationKeys)
	if p.Confidence == nil {
		p.Confidence = firstConfidence(obj)
	}
	return p, nil
}

func parseClassification(obj map[string]any, p *Prediction) {
	for _, k := range findingKeys {
		v, ok := obj[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				p.Findings = s
				return
			}
		case []any, map[string]any:
			b, _ := json.Marshal(t)
			p.Structured = b
			if labels := labelsOf(t); labels != "" {
				p.Findings = labels
			} else {
				p.Findings = string(b)
			}
			return
		}
	}

	// {"predictions":[{"label":..,"score":..}, ...]} -> top scoring entry
	if arr, ok := obj["predictions"].([]any); ok && len(arr) > 0 {
		type scored struct {
			label string
			score *float64
		}
		var items []scored
		for _, it := range arr {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			items = append(items, scored{label: firstText(m, findingKeys), score: firstConfidence(m)})
		}
		sort.SliceStable(items, func(i, j int) bool {
			return scoreOf(items[i].score) > scoreOf(items[j].score)
		})
		if len(items) > 0 && items[0].label != "" {
			p.Findings = items[0].label
			p.Confidence = items[0].score
			b, _ := json.Marshal(arr)
			p.Structured = b
		}
	}
}

func parseConversion(obj map[string]any, p *Prediction) {
	if out := firstText(obj, outputKeys); out != "" {
		p.Findings = "converted image available at " + out
		return
	}
	parseClassification(obj, p)
}

func scoreOf(f *float64) float64 {
	if f == nil {
		return -1
	}
	return *f
}

// labelsOf joins the label-like strings of a structured findings value.
func labelsOf(v any) string {
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				out = append(out, s)
			}
		case []any:
			for _, it := range t {
				walk(it)
			}
		case map[string]any:
			if s := firstText(t, findingKeys); s != "" {
				out = append(out, s)
			}
		}
	}
	walk(v)
	return strings.Join(out, "; ")
}

func firstText(obj map[string]any, keys []string) string {
	for _, k := range keys {
		switch t := obj[k].(type) {
		case string:
			if s := strings.TrimSpace(t); s != "" {
				return s
			}
		case []any:
			var parts []string
			for _, it := range t {
				if s, ok := it.(string); ok && strings.TrimSpace(s) != "" {
					parts = append(parts, strings.TrimSpace(s))
				}
			}
			if len(parts) > 0 {
				return strings.Join(parts, "; ")
			}
		}
	}
	return ""
}

// firstConfidence reads a score in [0,1]. Percent values (1,100] are scaled down; anything else is dropped.
func firstConfidence(obj map[string]any) *float64 {
	for _, k := range confidenceKeys {
		var f float64
		switch t := obj[k].(type) {
		case float64:
			f = t
		case string:
			v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(t), "%"), 64)
			if err != nil {
				continue
			}
			f = v
			if strings.HasSuffix(strings.TrimSpace(t), "%") {
				f = v / 100
			}
		default:
			continue
		}
		if f > 1 && f <= 100 {
			f = f / 100
		}
		if f < 0 || f > 1 {
			continue
		}
		return &f
	}
	return nil
}
