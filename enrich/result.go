package enrich

import (
	"strings"
	"time"

	"github.com/teranos/bookenrich/provider"
)

// Outcome is what a single provider attempt produced
type Outcome string

const (
	OutcomeFound       Outcome = "found"
	OutcomeEmpty       Outcome = "empty"
	OutcomeError       Outcome = "error"
	OutcomeTimeout     Outcome = "timeout"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeSkipped     Outcome = "skipped" // merge budget ran out before the provider was tried
)

// Attempt records one provider consulted during a resolve
type Attempt struct {
	Provider  string  `json:"provider"`
	Outcome   Outcome `json:"outcome"`
	LatencyMS int64   `json:"latencyMs"`
	Error     string  `json:"error,omitempty"`
}

// Work is the abstract book shared by its editions
type Work struct {
	Title          string   `json:"title"`
	Subtitle       string   `json:"subtitle,omitempty"`
	Description    string   `json:"description,omitempty"`
	Subjects       []string `json:"subjects,omitempty"`
	CoverURL       string   `json:"coverUrl,omitempty"`
	FirstPublished string   `json:"firstPublished,omitempty"`
	Language       string   `json:"language,omitempty"`
}

// Edition is one published form of the work as a provider reported it
type Edition struct {
	Provider      string `json:"provider"`
	SourceID      string `json:"sourceId,omitempty"`
	ISBN10        string `json:"isbn10,omitempty"`
	ISBN13        string `json:"isbn13,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
	PublishedDate string `json:"publishedDate,omitempty"`
	PageCount     int    `json:"pageCount,omitempty"`
	CoverURL      string `json:"coverUrl,omitempty"`
}

// Author is a contributor credited on the work
type Author struct {
	Name string `json:"name"`
}

// Result is the outcome of one resolve. It is never modified once returned;
// re-enrichment produces a new Result.
type Result struct {
	Found            bool           `json:"found"`
	Query            provider.Query `json:"query"`
	Work             *Work          `json:"work,omitempty"`
	Editions         []Edition      `json:"editions,omitempty"`
	Authors          []Author       `json:"authors,omitempty"`
	Provider         string         `json:"provider,omitempty"`
	PrimaryProvider  string         `json:"primaryProvider,omitempty"`
	Contributors     []string       `json:"contributors,omitempty"`
	QualityScore     int            `json:"qualityScore"`
	Cached           bool           `json:"cached"`
	ProvidersChecked []Attempt      `json:"providersChecked"`
	ResolvedAt       time.Time      `json:"resolvedAt"`
}

// Unavailable reports a whole-item failure: nothing was found and no
// provider gave a definitive answer, so a later retry may succeed.
func (r *Result) Unavailable() bool {
	if r.Found || len(r.ProvidersChecked) == 0 {
		return false
	}
	for _, a := range r.ProvidersChecked {
		switch a.Outcome {
		case OutcomeError, OutcomeTimeout, OutcomeRateLimited:
		default:
			return false
		}
	}
	return true
}

// Reason summarizes why nothing was found
func (r *Result) Reason() string {
	if r.Found {
		return ""
	}
	if r.Unavailable() {
		return "no provider could be reached"
	}
	return "no provider has a record for this query"
}

// mergedTag names a result assembled from more than one provider
func mergedTag(contributors []string) string {
	if len(contributors) == 1 {
		return contributors[0]
	}
	return "orchestrated:" + strings.Join(contributors, "+")
}

func buildResult(q provider.Query, book provider.Book, editions []Edition, contributors []string) *Result {
	r := &Result{
		Found:           true,
		Query:           q,
		Editions:        editions,
		Provider:        mergedTag(contributors),
		PrimaryProvider: contributors[0],
		Contributors:    contributors,
		QualityScore:    Quality(book),
		Work: &Work{
			Title:          book.Title,
			Subtitle:       book.Subtitle,
			Description:    book.Description,
			Subjects:       book.Subjects,
			CoverURL:       book.CoverURL,
			FirstPublished: book.PublishedDate,
			Language:       book.Language,
		},
	}
	for _, name := range book.Authors {
		r.Authors = append(r.Authors, Author{Name: name})
	}
	return r
}

func editionOf(providerID string, b provider.Book) Edition {
	return Edition{
		Provider:      providerID,
		SourceID:      b.SourceID,
		ISBN10:        b.ISBN10,
		ISBN13:        b.ISBN13,
		Publisher:     b.Publisher,
		PublishedDate: b.PublishedDate,
		PageCount:     b.PageCount,
		CoverURL:      b.CoverURL,
	}
}
