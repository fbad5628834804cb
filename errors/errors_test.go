package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(New("lookup failed"), "Provider: openlibrary")

	details := GetAllDetails(err)
	require.Len(t, details, 1)
	assert.Equal(t, "Provider: openlibrary", details[0])
}

func TestNilHandling(t *testing.T) {
	assert.Nil(t, Wrap(nil, "context"))
	assert.Nil(t, Wrapf(nil, "context %d", 1))
	assert.Nil(t, WithStack(nil))
	assert.Nil(t, WithHint(nil, "hint"))
	assert.Nil(t, WithDetail(nil, "detail"))
}

func TestJobSentinels(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
		want   bool
	}{
		{"job not found is not found", Wrap(ErrJobNotFound, "results"), ErrNotFound, true},
		{"job not found matches itself", Wrapf(ErrJobNotFound, "job %s", "abc"), ErrJobNotFound, true},
		{"expired is not not-found", Wrap(ErrJobExpired, "results"), ErrNotFound, false},
		{"terminal is a conflict", Wrap(ErrJobTerminal, "cancel"), ErrConflict, true},
		{"malformed item", NewMalformedItemError("item %d: empty isbn", 3), ErrMalformedItem, true},
		{"rate limited is not unavailable", Wrap(ErrRateLimited, "googlebooks"), ErrProviderUnavailable, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Is(tt.err, tt.target))
		})
	}
}

func TestIsNotFoundError(t *testing.T) {
	assert.True(t, IsNotFoundError(NewNotFoundError("job %s", "abc")))
	assert.True(t, IsNotFoundError(WrapNotFound(New("no row"), "load job")))
	assert.False(t, IsNotFoundError(New("something else")))
	assert.False(t, IsNotFoundError(nil))
}

func TestIsInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("unknown pipeline %q", "reindex")
	assert.True(t, IsInvalidRequestError(err))
	assert.Contains(t, err.Error(), "reindex")
	assert.False(t, IsInvalidRequestError(ErrJobExpired))
}

func TestErrorChaining(t *testing.T) {
	err := Wrap(ErrRateLimited, "acquire token")
	err = WithHint(err, "lower the batch concurrency")
	err = WithDetail(err, "Provider: isbndb")
	err = Wrap(err, "resolve")

	assert.True(t, Is(err, ErrRateLimited))
	assert.Contains(t, err.Error(), "resolve")
	assert.Contains(t, GetAllHints(err), "lower the batch concurrency")
	assert.Contains(t, GetAllDetails(err), "Provider: isbndb")
}

func ExampleWrap() {
	err := Wrap(ErrJobExpired, "fetch results")
	fmt.Println(err)
	// Output: fetch results: job expired
}
