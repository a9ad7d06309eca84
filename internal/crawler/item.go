package crawler

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Provenance keys added to the flattened JSON form of an ExtractedItem.
const (
	KeySourceURL   = "_source_url"
	KeyExtractedAt = "_extracted_at"
	KeyContentHash = "_content_hash"
)

// ExtractedItem holds template-shaped fields plus provenance. SourceURL is
// the dedup key.
type ExtractedItem struct {
	Fields      map[string]any
	SourceURL   string
	ExtractedAt time.Time
	ContentHash string
}

// HasData reports whether at least one field carries a non-blank value.
func (i ExtractedItem) HasData() bool {
	for _, v := range i.Fields {
		if v == nil {
			continue
		}
		if strings.TrimSpace(fmt.Sprint(v)) != "" {
			return true
		}
	}
	return false
}

// MarshalJSON flattens fields and provenance into one object.
func (i ExtractedItem) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(i.Fields)+3)
	for k, v := range i.Fields {
		out[k] = v
	}
	out[KeySourceURL] = i.SourceURL
	out[KeyExtractedAt] = i.ExtractedAt.UTC().Format(time.RFC3339Nano)
	if i.ContentHash != "" {
		out[KeyContentHash] = i.ContentHash
	}
	return json.Marshal(out)
}

// UnmarshalJSON splits provenance keys back out of the flattened object.
func (i *ExtractedItem) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode item: %w", err)
	}
	item := ExtractedItem{Fields: make(map[string]any, len(raw))}
	for k, v := range raw {
		switch k {
		case KeySourceURL:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("decode item: %s is not a string", KeySourceURL)
			}
			item.SourceURL = s
		case KeyExtractedAt:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("decode item: %s is not a string", KeyExtractedAt)
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("decode item timestamp: %w", err)
			}
			item.ExtractedAt = ts
		case KeyContentHash:
			s, _ := v.(string)
			item.ContentHash = s
		default:
			item.Fields[k] = v
		}
	}
	*i = item
	return nil
}
