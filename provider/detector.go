package provider

import (
	"context"
	"encoding/json"
)

// Detector turns a shelf photo into the book queries visible in it.
// No implementation ships with bookenrich; shelfScan jobs fail without one.
type Detector interface {
	Detect(ctx context.Context, photo json.RawMessage) ([]Query, error)
}

// DetectorFunc adapts a function to Detector
type DetectorFunc func(ctx context.Context, photo json.RawMessage) ([]Query, error)

func (f DetectorFunc) Detect(ctx context.Context, photo json.RawMessage) ([]Query, error) {
	return f(ctx, photo)
}
