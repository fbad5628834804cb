package provider

import (
	"context"
	"net/http"
	"net/url"
	"strings"
)

// DefaultGoogleBooksURL is the Google Books v1 API root
const DefaultGoogleBooksURL = "https://www.googleapis.com/books/v1"

// GoogleBooks is the primary bibliographic provider
type GoogleBooks struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

// NewGoogleBooks creates the adapter; an empty baseURL selects the public API
func NewGoogleBooks(baseURL, apiKey string, client *http.Client) *GoogleBooks {
	if baseURL == "" {
		baseURL = DefaultGoogleBooksURL
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &GoogleBooks{BaseURL: strings.TrimRight(baseURL, "/"), APIKey: apiKey, Client: client}
}

func (g *GoogleBooks) Name() string { return GoogleBooksID }

// GoogleVolume is one volume from the Google Books API
type GoogleVolume struct {
	ID         string `json:"id"`
	VolumeInfo struct {
		Title               string   `json:"title"`
		Subtitle            string   `json:"subtitle"`
		Authors             []string `json:"authors"`
		Publisher           string   `json:"publisher"`
		PublishedDate       string   `json:"publishedDate"`
		Description         string   `json:"description"`
		PageCount           int      `json:"pageCount"`
		Categories          []string `json:"categories"`
		Language            string   `json:"language"`
		IndustryIdentifiers []struct {
			Type       string `json:"type"`
			Identifier string `json:"identifier"`
		} `json:"industryIdentifiers"`
		ImageLinks struct {
			SmallThumbnail string `json:"smallThumbnail"`
			Thumbnail      string `json:"thumbnail"`
			Medium         string `json:"medium"`
			Large          string `json:"large"`
		} `json:"imageLinks"`
	} `json:"volumeInfo"`
}

type googleVolumesResponse struct {
	TotalItems int            `json:"totalItems"`
	Items      []GoogleVolume `json:"items"`
}

func (*GoogleVolume) sealed() {}

// Normalize maps the volume onto Book
func (v *GoogleVolume) Normalize() Book {
	info := v.VolumeInfo
	b := Book{
		SourceID:      v.ID,
		Title:         info.Title,
		Subtitle:      info.Subtitle,
		Authors:       info.Authors,
		Publisher:     info.Publisher,
		PublishedDate: info.PublishedDate,
		Description:   info.Description,
		PageCount:     info.PageCount,
		Language:      info.Language,
		Subjects:      info.Categories,
		CoverURL: forceHTTPS(firstNonEmpty(
			info.ImageLinks.Large, info.ImageLinks.Medium,
			info.ImageLinks.Thumbnail, info.ImageLinks.SmallThumbnail)),
	}
	for _, id := range info.IndustryIdentifiers {
		switch id.Type {
		case "ISBN_13":
			b.ISBN13 = id.Identifier
		case "ISBN_10":
			b.ISBN10 = id.Identifier
		}
	}
	return b
}

// Lookup queries the volumes endpoint and returns the top hit
func (g *GoogleBooks) Lookup(ctx context.Context, q Query) (Payload, error) {
	params := url.Values{}
	params.Set("maxResults", "1")
	if q.Kind == KindISBN {
		params.Set("q", "isbn:"+q.Normalized())
	} else {
		term := "intitle:" + q.Title
		if q.Author != "" {
			term += " inauthor:" + q.Author
		}
		params.Set("q", term)
	}
	if g.APIKey != "" {
		params.Set("key", g.APIKey)
	}

	var resp googleVolumesResponse
	found, err := getJSON(ctx, g.Client, GoogleBooksID, g.BaseURL+"/volumes?"+params.Encode(), nil, &resp)
	if err != nil || !found || len(resp.Items) == 0 {
		return nil, err
	}
	v := resp.Items[0]
	return &v, nil
}
