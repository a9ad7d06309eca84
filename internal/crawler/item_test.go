package crawler

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestExtractedItemHasData(t *testing.T) {
	t.Parallel()

	require.False(t, ExtractedItem{}.HasData())
	require.False(t, ExtractedItem{Fields: map[string]any{"title": "  ", "price": nil}}.HasData())
	require.True(t, ExtractedItem{Fields: map[string]any{"title": "", "price": 12.5}}.HasData())
}

func TestExtractedItemJSONIsFlat(t *testing.T) {
	t.Parallel()

	item := ExtractedItem{
		Fields:      map[string]any{"title": "Lamp"},
		SourceURL:   "https://example.com/p/1",
		ExtractedAt: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		ContentHash: "abc",
	}
	data, err := json.Marshal(item)
	require.NoError(t, err)

	var flat map[string]any
	require.NoError(t, json.Unmarshal(data, &flat))
	require.Equal(t, "Lamp", flat["title"])
	require.Equal(t, "https://example.com/p/1", flat[KeySourceURL])
	require.Equal(t, "2024-03-01T12:00:00Z", flat[KeyExtractedAt])
	require.Equal(t, "abc", flat[KeyContentHash])

	var decoded ExtractedItem
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, item.SourceURL, decoded.SourceURL)
	require.True(t, item.ExtractedAt.Equal(decoded.ExtractedAt))
	require.Equal(t, map[string]any{"title": "Lamp"}, decoded.Fields)
}

func TestExtractedItemUnmarshalRejectsBadProvenance(t *testing.T) {
	t.Parallel()

	var item ExtractedItem
	require.Error(t, json.Unmarshal([]byte(`{"_source_url": 3}`), &item))
	require.Error(t, json.Unmarshal([]byte(`{"_source_url": "x", "_extracted_at": "yesterday"}`), &item))
}
