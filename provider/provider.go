// Package provider holds the external bibliographic API adapters.
//
// Each adapter returns its own payload type; converting payloads into
// enrichment results is left to the orchestrator.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/teranos/bookenrich/errors"
)

// Provider IDs
const (
	GoogleBooksID = "googlebooks"
	OpenLibraryID = "openlibrary"
	ISBNdbID      = "isbndb"
)

// Provider answers a query from one external catalog.
// A nil payload with a nil error means the provider has no record.
type Provider interface {
	Name() string
	Lookup(ctx context.Context, q Query) (Payload, error)
}

// Payload is the provider-specific response. The set of variants is closed:
// *GoogleVolume, *OpenLibraryBook and *ISBNdbBook.
type Payload interface {
	Normalize() Book
	sealed()
}

// Book is the provider-neutral view of a payload
type Book struct {
	SourceID      string   `json:"sourceId,omitempty"`
	Title         string   `json:"title"`
	Subtitle      string   `json:"subtitle,omitempty"`
	Authors       []string `json:"authors,omitempty"`
	ISBN10        string   `json:"isbn10,omitempty"`
	ISBN13        string   `json:"isbn13,omitempty"`
	Publisher     string   `json:"publisher,omitempty"`
	PublishedDate string   `json:"publishedDate,omitempty"`
	Description   string   `json:"description,omitempty"`
	PageCount     int      `json:"pageCount,omitempty"`
	CoverURL      string   `json:"coverUrl,omitempty"`
	Language      string   `json:"language,omitempty"`
	Subjects      []string `json:"subjects,omitempty"`
}

// Empty reports whether the book carries nothing worth returning
func (b Book) Empty() bool {
	return b.Title == "" && b.ISBN13 == "" && b.ISBN10 == ""
}

const maxResponseBytes = 4 << 20

// getJSON performs a GET and decodes a 200 response into out.
// It returns found=false on 404. A 429 is reported as ErrRateLimited and
// every other failure as ErrProviderUnavailable.
func getJSON(ctx context.Context, client *http.Client, provider, rawURL string, header http.Header, out any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return false, errors.Wrapf(err, "creating %s request", provider)
	}
	req.Header.Set("Accept", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, errors.Wrapf(ctxErr, "%s request", provider)
		}
		return false, errors.Wrapf(errors.WithSecondaryError(errors.ErrProviderUnavailable, err), "%s request: %v", provider, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return false, errors.WithDetail(
			errors.Wrapf(errors.ErrRateLimited, "%s returned HTTP 429", provider),
			fmt.Sprintf("Retry-After: %s", resp.Header.Get("Retry-After")))
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := errors.Wrapf(errors.ErrProviderUnavailable, "%s returned HTTP %d", provider, resp.StatusCode)
		if s := strings.TrimSpace(string(body)); s != "" {
			err = errors.WithDetail(err, "Body: "+s)
		}
		return false, err
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return false, errors.Wrapf(errors.WithSecondaryError(errors.ErrProviderUnavailable, err), "parsing %s response", provider)
	}
	return true, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// forceHTTPS upgrades provider cover links, which are often served over http
func forceHTTPS(u string) string {
	if strings.HasPrefix(u, "http://") {
		return "https://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
