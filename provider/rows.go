package provider

import (
	"context"
	"encoding/csv"
	"io"
	"strings"

	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/normalize"
)

// Row is one reading-list row: an ISBN, a title/author pair, or both
type Row struct {
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// Query picks an identity lookup when the row has a usable ISBN and falls
// back to a title/author search otherwise.
func (r Row) Query() (Query, error) {
	if r.ISBN != "" {
		q := NewISBNQuery(r.ISBN)
		if err := q.Validate(); err == nil || r.Title == "" {
			return q, err
		}
	}
	q := NewSearchQuery(r.Title, r.Author)
	return q, q.Validate()
}

// RowParser parses an uploaded reading list into rows
type RowParser interface {
	ParseRows(ctx context.Context, r io.Reader) ([]Row, error)
}

// column aliases seen in common reading-list exports
var csvColumns = map[string]string{
	"title":          "title",
	"book title":     "title",
	"author":         "author",
	"authors":        "author",
	"isbn":           "isbn",
	"isbn13":         "isbn",
	"isbn-13":        "isbn",
	"isbn10":         "isbn10",
	"isbn-10":        "isbn10",
	"primary author": "author",
}

// CSVRowParser reads header-mapped CSV. Unknown columns are ignored and rows
// with the wrong number of fields are kept as far as they go.
type CSVRowParser struct{}

// ParseRows implements RowParser
func (CSVRowParser) ParseRows(ctx context.Context, r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.NewInvalidRequestError("csv is empty")
	}
	if err != nil {
		return nil, errors.WrapInvalidRequest(err, "reading csv header")
	}

	cols := make(map[string]int)
	for i, h := range header {
		name := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if field, ok := csvColumns[name]; ok && field != "" {
			if _, dup := cols[field]; !dup {
				cols[field] = i
			}
		}
	}
	if _, ok := cols["title"]; !ok {
		if _, ok := cols["isbn"]; !ok {
			if _, ok := cols["isbn10"]; !ok {
				return nil, errors.NewInvalidRequestError("csv header needs a title or isbn column")
			}
		}
	}

	var rows []Row
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.WrapInvalidRequest(err, "reading csv")
		}
		field := func(name string) string {
			i, ok := cols[name]
			if !ok || i >= len(rec) {
				return ""
			}
			return cleanCell(rec[i])
		}
		row := Row{Title: field("title"), Author: field("author"), ISBN: field("isbn")}
		if normalize.ISBN(row.ISBN) == "" {
			row.ISBN = field("isbn10")
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// cleanCell strips the ="..." wrapper spreadsheet exports put around ISBNs
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "=")
	return strings.TrimSpace(strings.Trim(s, `"`))
}
