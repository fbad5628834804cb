package async

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/provider"
)

func TestPipelineRegistry(t *testing.T) {
	r := DefaultPipelines(nil)
	assert.Equal(t, []string{PipelineBatchEnrichment, PipelineCSVImport, PipelineShelfScan}, r.Names())
	assert.True(t, r.Has(PipelineCSVImport))
	assert.False(t, r.Has("reindex"))
	assert.Nil(t, r.Get("reindex"))

	assert.Panics(t, func() { r.Register(CSVImport{}) })
}

func TestBatchEnrichmentExpand(t *testing.T) {
	tests := []struct {
		name    string
		item    string
		kind    provider.QueryKind
		wantErr bool
	}{
		{"bare identifier", `"0-8044-2957-X"`, provider.KindISBN, false},
		{"isbn object", `{"isbn":"9780143127741"}`, provider.KindISBN, false},
		{"identifier object", `{"identifier":"9780143127741"}`, provider.KindISBN, false},
		{"title author", `{"title":"Piranesi","author":"Susanna Clarke"}`, provider.KindSearch, false},
		{"invalid isbn", `{"isbn":"INVALID"}`, "", true},
		{"bad bare identifier", `"not an isbn"`, "", true},
		{"number", `42`, "", true},
		{"empty object", `{}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			qs, err := BatchEnrichment{}.Expand(context.Background(), json.RawMessage(tt.item))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrMalformedItem), "got %v", err)
				return
			}
			require.NoError(t, err)
			require.Len(t, qs, 1)
			assert.Equal(t, tt.kind, qs[0].Kind)
		})
	}
}

func TestShelfScanExpand(t *testing.T) {
	_, err := ShelfScan{}.Expand(context.Background(), json.RawMessage(`"photo"`))
	assert.True(t, errors.IsServiceUnavailableError(err))

	s := ShelfScan{Detector: provider.DetectorFunc(func(context.Context, json.RawMessage) ([]provider.Query, error) {
		return []provider.Query{provider.NewSearchQuery("Dune", "")}, nil
	})}
	_, err = s.Expand(context.Background(), json.RawMessage(`null`))
	assert.True(t, errors.Is(err, errors.ErrMalformedItem))

	qs, err := s.Expand(context.Background(), json.RawMessage(`{"imageUrl":"https://x/y.jpg"}`))
	require.NoError(t, err)
	assert.Len(t, qs, 1)
}
