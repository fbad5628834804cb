package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// DefaultISBNdbURL is the ISBNdb v2 API root
const DefaultISBNdbURL = "https://api2.isbndb.com"

// ISBNdb is the paid provider with the best cover coverage
type ISBNdb struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewISBNdb creates the adapter; an empty baseURL selects the public API
func NewISBNdb(baseURL, apiKey string, client *http.Client) *ISBNdb {
	if baseURL == "" {
		baseURL = DefaultISBNdbURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &ISBNdb{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Client: client}
}

func (i *ISBNdb) Name() string { return ISBNdbID }

// ISBNdbBook is one book record from ISBNdb
type ISBNdbBook struct {
	Title         string   `json:"title"`
	TitleLong     string   `json:"title_long"`
	ISBN          string   `json:"isbn"`
	ISBN13        string   `json:"isbn13"`
	Publisher     string   `json:"publisher"`
	DatePublished string   `json:"date_published"`
	Authors       []string `json:"authors"`
	Pages         int      `json:"pages"`
	Image         string   `json:"image"`
	Synopsis      string   `json:"synopsis"`
	Overview      string   `json:"overview"`
	Language      string   `json:"language"`
	Subjects      []string `json:"subjects"`
}

type isbndbBookResponse struct {
	Book ISBNdbBook `json:"book"`
}

type isbndbSearchResponse struct {
	Total int          `json:"total"`
	Books []ISBNdbBook `json:"books"`
}

func (*ISBNdbBook) sealed() {}

// Normalize maps the record onto Book
func (r *ISBNdbBook) Normalize() Book {
	b := Book{
		SourceID:      r.ISBN13,
		Title:         r.Title,
		Authors:       r.Authors,
		ISBN13:        r.ISBN13,
		Publisher:     r.Publisher,
		PublishedDate: r.DatePublished,
		Description:   firstNonEmpty(r.Synopsis, r.Overview),
		PageCount:     r.Pages,
		CoverURL:      forceHTTPS(r.Image),
		Language:      r.Language,
		Subjects:      r.Subjects,
	}
	if len(r.ISBN) == 10 {
		b.ISBN10 = r.ISBN
	}
	if r.TitleLong != "" && r.TitleLong != r.Title {
		b.Subtitle = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(r.TitleLong, r.Title), ":"))
	}
	return b
}

// Lookup fetches /book/{isbn} for identity queries and /books/{title} for searches
func (i *ISBNdb) Lookup(ctx context.Context, q Query) (Payload, error) {
	header := http.Header{}
	header.Set("Authorization", i.APIKey)

	if q.Kind == KindISBN {
		var resp isbndbBookResponse
		found, err := getJSON(ctx, i.Client, ISBNdbID, i.BaseURL+"/book/"+url.PathEscape(q.Normalized()), header, &resp)
		if err != nil || !found || resp.Book.Title == "" {
			return nil, err
		}
		return &resp.Book, nil
	}

	params := url.Values{}
	params.Set("page", "1")
	params.Set("pageSize", "1")
	params.Set("column", "title")
	var resp isbndbSearchResponse
	found, err := getJSON(ctx, i.Client, ISBNdbID, i.BaseURL+"/books/"+url.PathEscape(q.Title)+"?"+params.Encode(), header, &resp)
	if err != nil || !found || len(resp.Books) == 0 {
		return nil, err
	}
	b := resp.Books[0]
	return &b, nil
}
