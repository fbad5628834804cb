// Package normalize canonicalizes book query fragments into stable cache-key material.
//
// Every function is pure and idempotent: inputs that differ only in case,
// punctuation or whitespace produce byte-identical output.
package normalize

import (
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/teranos/bookenrich/errors"
)

var leadingArticles = []string{"the ", "a ", "an "}

// isbnLabel matches a leading "ISBN", "ISBN-13:" or "isbn10 " label.
var isbnLabel = regexp.MustCompile(`(?i)^\s*isbn(?:-?1[03])?\s*[:\s]\s*`)

// Title lowercases, strips punctuation and collapses whitespace, then drops
// leading articles ("the", "a", "an"). Articles are stripped repeatedly so
// "The A-Team" and "A Team" land on the same key.
func Title(s string) string {
	s = strings.ToLower(norm.NFC.String(s))

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r == '\'' || r == '’':
			// sorcerer's -> sorcerers
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			b.WriteRune(' ')
		default:
			b.WriteRune(r)
		}
	}
	s = collapse(b.String())

	for {
		stripped := false
		for _, article := range leadingArticles {
			if strings.HasPrefix(s, article) {
				s = s[len(article):]
				stripped = true
			}
		}
		if !stripped {
			return s
		}
	}
}

// Author lowercases, trims and collapses whitespace.
// "Last, First" is not reordered, so it keys differently from "First Last".
func Author(s string) string {
	return collapse(strings.ToLower(norm.NFC.String(s)))
}

// ISBN strips a leading ISBN label and every non-alphanumeric character and
// upper-cases the rest, so a trailing check character x becomes X.
// The checksum is not validated.
func ISBN(s string) string {
	s = isbnLabel.ReplaceAllString(s, "")

	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'a' && r <= 'z':
			b.WriteRune(r - 'a' + 'A')
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsISBNShaped reports whether a normalized ISBN has the shape of an ISBN-10
// (nine digits plus a digit or X) or an ISBN-13 (thirteen digits).
func IsISBNShaped(normalized string) bool {
	switch len(normalized) {
	case 10:
		for i := 0; i < 9; i++ {
			if !isDigit(normalized[i]) {
				return false
			}
		}
		return isDigit(normalized[9]) || normalized[9] == 'X'
	case 13:
		for i := 0; i < 13; i++ {
			if !isDigit(normalized[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// ImageURL drops the query string and fragment and forces https.
// Scheme-relative URLs ("//covers.example/x.jpg") are accepted.
func ImageURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "//") {
		raw = "https:" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(errors.ErrInvalidRequest, "unparsable image url: %v", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return "", errors.NewInvalidRequestError("image url must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.NewInvalidRequestError("image url has no host: %q", raw)
	}

	u.Scheme = "https"
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	return u.String(), nil
}

// SearchKey joins a normalized title and author into one search fragment.
func SearchKey(title, author string) string {
	return Title(title) + "|" + Author(author)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
