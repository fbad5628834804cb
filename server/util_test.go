package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/internal/httpclient"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, http.StatusOK},
		{"unauthorized", errors.Wrap(errors.ErrUnauthorized, "missing bearer token"), http.StatusUnauthorized},
		{"expired", errors.Wrapf(errors.ErrJobExpired, "job %s", "j1"), http.StatusGone},
		{"job not found", errors.Wrapf(errors.ErrJobNotFound, "%s", "j1"), http.StatusNotFound},
		{"terminal", errors.Wrap(errors.ErrJobTerminal, "cancel"), http.StatusConflict},
		{"invalid request", errors.NewInvalidRequestError("batch has no items"), http.StatusBadRequest},
		{"malformed item", errors.NewMalformedItemError("empty isbn"), http.StatusBadRequest},
		{"blocked", errors.Wrap(httpclient.ErrBlocked, "private IP"), http.StatusBadRequest},
		{"rate limited", errors.Wrap(errors.ErrRateLimited, "googlebooks"), http.StatusTooManyRequests},
		{"too large", httpclient.ErrTooLarge, http.StatusBadGateway},
		{"timeout", errors.Wrap(context.DeadlineExceeded, "fetch"), http.StatusGatewayTimeout},
		{"unavailable", errors.Wrap(errors.ErrServiceUnavailable, "no shelf detector configured"), http.StatusServiceUnavailable},
		{"other", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, statusFor(tt.err))
		})
	}
}

func TestLastEventID(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		query   string
		want    int64
		wantErr bool
	}{
		{name: "absent"},
		{name: "header", header: "7", want: 7},
		{name: "query", query: "4", want: 4},
		{name: "header wins", header: "9", query: "4", want: 9},
		{name: "not a number", header: "x", wantErr: true},
		{name: "negative", query: "-1", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := "/jobs/j1/stream"
			if tt.query != "" {
				target += "?lastEventId=" + tt.query
			}
			r := httptest.NewRequest(http.MethodGet, target, nil)
			if tt.header != "" {
				r.Header.Set("Last-Event-ID", tt.header)
			}

			got, err := lastEventID(r)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrInvalidRequest))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"no origin", nil, "", true},
		{"default localhost", nil, "http://localhost:3000", true},
		{"default rejects others", nil, "https://app.example.com", false},
		{"configured prefix", []string{"https://app.example.com"}, "https://app.example.com", true},
		{"configured rejects others", []string{"https://app.example.com"}, "https://evil.example.com", false},
		{"wildcard", []string{"*"}, "https://anything.example.com", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &Server{cfg: Config{AllowedOrigins: tt.allowed}}
			r := httptest.NewRequest(http.MethodGet, "/jobs/j1/stream", nil)
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			assert.Equal(t, tt.want, s.checkOrigin(r))
		})
	}
}

func TestJoinURL(t *testing.T) {
	assert.Equal(t, "/jobs/j1/stream", joinURL("", "/jobs/j1/stream"))
	assert.Equal(t, "https://api.example.com/jobs/j1", joinURL("https://api.example.com/", "/jobs/j1"))
}
