package llm

import (
	"encoding/json"
	"strings"
)

// buildPayload renders prompt in the given request layout.
func buildPayload(shape Shape, prompt string, maxTokens int) map[string]any {
	switch shape {
	case ShapeContents:
		return map[string]any{
			"contents": []map[string]any{
				{"role": "user", "parts": []map[string]string{{"text": prompt}}},
			},
			"generationConfig": map[string]any{"maxOutputTokens": maxTokens},
		}
	case ShapeContent:
		return map[string]any{
			"content":          map[string]any{"parts": []map[string]string{{"text": prompt}}},
			"generationConfig": map[string]any{"maxOutputTokens": maxTokens},
		}
	case ShapePrompt:
		return map[string]any{
			"prompt":          map[string]string{"text": prompt},
			"maxOutputTokens": maxTokens,
		}
	case ShapeInstances:
		return map[string]any{
			"instances":  []map[string]string{{"prompt": prompt}},
			"parameters": map[string]any{"maxOutputTokens": maxTokens},
		}
	default:
		return map[string]any{
			"input":      prompt,
			"max_tokens": maxTokens,
		}
	}
}

// Extractor pulls generated text out of a provider response.
type Extractor struct {
	Name    string
	Extract func(body map[string]any) (string, bool)
}

// Extractors is the ordered, closed set of response decoders.
var Extractors = []Extractor{
	{Name: "GoogleGenShape", Extract: extractGoogle},
	{Name: "OpenAIShape", Extract: extractOpenAI},
	{Name: "VertexShape", Extract: extractVertex},
	{Name: "GenericShape", Extract: extractGeneric},
}

// ExtractText runs the extractors in order. When none matches the raw body is returned.
func ExtractText(payload []byte) (text, extractor string) {
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		return strings.TrimSpace(string(payload)), "raw"
	}
	for _, ex := range Extractors {
		if text, ok := ex.Extract(body); ok {
			return text, ex.Name
		}
	}
	return strings.TrimSpace(string(payload)), "raw"
}

func extractGoogle(body map[string]any) (string, bool) {
	first, ok := firstOf(body["candidates"])
	if !ok {
		return "", false
	}
	if content, ok := first["content"].(map[string]any); ok {
		parts, _ := content["parts"].([]any)
		var sb strings.Builder
		for _, p := range parts {
			if part, ok := p.(map[string]any); ok {
				if text, ok := part["text"].(string); ok {
					sb.WriteString(text)
				}
			}
		}
		if sb.Len() > 0 {
			return sb.String(), true
		}
	}
	if output, ok := first["output"].(string); ok && output != "" {
		return output, true
	}
	return "", false
}

func extractOpenAI(body map[string]any) (string, bool) {
	first, ok := firstOf(body["choices"])
	if !ok {
		return "", false
	}
	if message, ok := first["message"].(map[string]any); ok {
		if content, ok := message["content"].(string); ok && content != "" {
			return content, true
		}
	}
	if text, ok := first["text"].(string); ok && text != "" {
		return text, true
	}
	return "", false
}

func extractVertex(body map[string]any) (string, bool) {
	predictions, ok := body["predictions"].([]any)
	if !ok || len(predictions) == 0 {
		return "", false
	}
	switch p := predictions[0].(type) {
	case string:
		return p, p != ""
	case map[string]any:
		for _, key := range []string{"content", "text", "output"} {
			if text, ok := p[key].(string); ok && text != "" {
				return text, true
			}
		}
	}
	return "", false
}

func extractGeneric(body map[string]any) (string, bool) {
	for _, key := range []string{"output", "text", "result", "generated_text"} {
		if text, ok := body[key].(string); ok && text != "" {
			return text, true
		}
	}
	return "", false
}

func firstOf(v any) (map[string]any, bool) {
	items, ok := v.([]any)
	if !ok || len(items) == 0 {
		return nil, false
	}
	first, ok := items[0].(map[string]any)
	return first, ok
}
