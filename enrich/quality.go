package enrich

import "github.com/teranos/bookenrich/provider"

// Field weights for the completeness score. They sum to 100.
const (
	weightTitle       = 20
	weightAuthors     = 15
	weightCover       = 20
	weightISBN13      = 10
	weightPublisher   = 10
	weightPublished   = 10
	weightDescription = 10
	weightPageCount   = 5
)

// Quality scores a book 0..100 by weighted field completeness
func Quality(b provider.Book) int {
	score := 0
	if b.Title != "" {
		score += weightTitle
	}
	if len(b.Authors) > 0 {
		score += weightAuthors
	}
	if b.CoverURL != "" {
		score += weightCover
	}
	if b.ISBN13 != "" {
		score += weightISBN13
	}
	if b.Publisher != "" {
		score += weightPublisher
	}
	if b.PublishedDate != "" {
		score += weightPublished
	}
	if b.Description != "" {
		score += weightDescription
	}
	if b.PageCount > 0 {
		score += weightPageCount
	}
	return score
}

// fill copies fields missing from dst out of src and reports whether any were copied
func fill(dst *provider.Book, src provider.Book) bool {
	changed := false
	str := func(d *string, s string) {
		if *d == "" && s != "" {
			*d = s
			changed = true
		}
	}
	str(&dst.Title, src.Title)
	str(&dst.Subtitle, src.Subtitle)
	str(&dst.ISBN10, src.ISBN10)
	str(&dst.ISBN13, src.ISBN13)
	str(&dst.Publisher, src.Publisher)
	str(&dst.PublishedDate, src.PublishedDate)
	str(&dst.Description, src.Description)
	str(&dst.CoverURL, src.CoverURL)
	str(&dst.Language, src.Language)
	if len(dst.Authors) == 0 && len(src.Authors) > 0 {
		dst.Authors = append([]string(nil), src.Authors...)
		changed = true
	}
	if len(dst.Subjects) == 0 && len(src.Subjects) > 0 {
		dst.Subjects = append([]string(nil), src.Subjects...)
		changed = true
	}
	if dst.PageCount == 0 && src.PageCount > 0 {
		dst.PageCount = src.PageCount
		changed = true
	}
	return changed
}
