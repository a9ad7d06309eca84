package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/JakeFAU/twostage-crawler/internal/crawler"
)

// ParseReply decodes a model reply into the template's fields. The reply
// may be wrapped in a code fence or surrounded by prose. An array reply
// uses its first object. A reply shaped like content blocks (index and
// content keys) is rejected.
func ParseReply(reply string, tmpl crawler.Template) (map[string]any, error) {
	raw := jsonSpan(reply)
	if raw == "" {
		return nil, fmt.Errorf("%w: reply contains no json", crawler.ErrExtraction)
	}
	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil, fmt.Errorf("%w: decode reply: %w", crawler.ErrExtraction, err)
	}

	var obj map[string]any
	switch v := decoded.(type) {
	case map[string]any:
		obj = v
	case []any:
		if len(v) == 0 {
			return nil, fmt.Errorf("%w: reply is an empty array", crawler.ErrExtraction)
		}
		first, ok := v[0].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: reply array holds %T, not an object", crawler.ErrExtraction, v[0])
		}
		obj = first
	default:
		return nil, fmt.Errorf("%w: reply is %T, not an object", crawler.ErrExtraction, decoded)
	}

	_, hasIndex := obj["index"]
	_, hasContent := obj["content"]
	if hasIndex && hasContent && !tmpl.HasField("index") && !tmpl.HasField("content") {
		return nil, fmt.Errorf("%w: reply uses blocks format", crawler.ErrExtraction)
	}

	fields := make(map[string]any, len(tmpl.Fields))
	for _, name := range tmpl.FieldNames() {
		fields[name] = obj[name]
	}
	return fields, nil
}

// jsonSpan returns the outermost JSON object or array in s.
func jsonSpan(s string) string {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		rest = strings.TrimPrefix(rest, "json")
		if body, _, found := strings.Cut(rest, "```"); found {
			s = strings.TrimSpace(body)
		}
	}
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	closer := byte('}')
	if s[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(s, closer)
	if end < start {
		return ""
	}
	return s[start : end+1]
}
