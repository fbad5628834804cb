package provider

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Open Library endpoints
const (
	DefaultOpenLibraryURL = "https://openlibrary.org"
	openLibraryCoversURL  = "https://covers.openlibrary.org/b/id/%d-L.jpg"
)

var openLibraryFields = strings.Join([]string{
	"key", "title", "subtitle", "author_name", "first_publish_year", "publish_date",
	"publisher", "isbn", "number_of_pages_median", "cover_i", "language", "subject",
}, ",")

// OpenLibrary is the secondary, open-catalog provider
type OpenLibrary struct {
	BaseURL string
	Client  *http.Client
}

// NewOpenLibrary creates the adapter; an empty baseURL selects openlibrary.org
func NewOpenLibrary(baseURL string, client *http.Client) *OpenLibrary {
	if baseURL == "" {
		baseURL = DefaultOpenLibraryURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &OpenLibrary{BaseURL: strings.TrimRight(baseURL, "/"), Client: client}
}

func (o *OpenLibrary) Name() string { return OpenLibraryID }

// OpenLibraryBook is one search document from the Open Library search API
type OpenLibraryBook struct {
	Key              string   `json:"key"`
	Title            string   `json:"title"`
	Subtitle         string   `json:"subtitle"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	PublishDate      []string `json:"publish_date"`
	Publisher        []string `json:"publisher"`
	ISBN             []string `json:"isbn"`
	NumberOfPages    int      `json:"number_of_pages_median"`
	CoverID          int      `json:"cover_i"`
	Language         []string `json:"language"`
	Subject          []string `json:"subject"`
}

type openLibrarySearchResponse struct {
	NumFound int               `json:"numFound"`
	Docs     []OpenLibraryBook `json:"docs"`
}

func (*OpenLibraryBook) sealed() {}

// Normalize maps the search document onto Book
func (d *OpenLibraryBook) Normalize() Book {
	b := Book{
		SourceID:  d.Key,
		Title:     d.Title,
		Subtitle:  d.Subtitle,
		Authors:   d.AuthorName,
		PageCount: d.NumberOfPages,
	}
	if len(d.Publisher) > 0 {
		b.Publisher = d.Publisher[0]
	}
	if len(d.PublishDate) > 0 {
		b.PublishedDate = d.PublishDate[0]
	} else if d.FirstPublishYear > 0 {
		b.PublishedDate = strconv.Itoa(d.FirstPublishYear)
	}
	if len(d.Language) > 0 {
		b.Language = d.Language[0]
	}
	if len(d.Subject) > 0 {
		n := min(len(d.Subject), 10)
		b.Subjects = d.Subject[:n]
	}
	if d.CoverID > 0 {
		b.CoverURL = fmt.Sprintf(openLibraryCoversURL, d.CoverID)
	}
	for _, isbn := range d.ISBN {
		switch len(isbn) {
		case 13:
			if b.ISBN13 == "" {
				b.ISBN13 = isbn
			}
		case 10:
			if b.ISBN10 == "" {
				b.ISBN10 = isbn
			}
		}
	}
	return b
}

// Lookup queries search.json and returns the top document
func (o *OpenLibrary) Lookup(ctx context.Context, q Query) (Payload, error) {
	params := url.Values{}
	params.Set("limit", "1")
	params.Set("fields", openLibraryFields)
	if q.Kind == KindISBN {
		params.Set("isbn", q.Normalized())
	} else {
		params.Set("title", q.Title)
		if q.Author != "" {
			params.Set("author", q.Author)
		}
	}

	var resp openLibrarySearchResponse
	found, err := getJSON(ctx, o.Client, OpenLibraryID, o.BaseURL+"/search.json?"+params.Encode(), nil, &resp)
	if err != nil || !found || len(resp.Docs) == 0 {
		return nil, err
	}
	d := resp.Docs[0]
	return &d, nil
}
