package provider

import (
	"net/http"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/errors"
)

// FromConfig builds the enabled providers in chain order
func FromConfig(cfg am.ProvidersConfig, client *http.Client) ([]Provider, error) {
	chain := make([]Provider, 0, len(cfg.Chain))
	for _, name := range cfg.Chain {
		pc, ok := cfg.Provider(name)
		if !ok {
			return nil, errors.NewInvalidRequestError("unknown provider %q in chain", name)
		}
		if !pc.Enabled {
			continue
		}
		switch name {
		case GoogleBooksID:
			chain = append(chain, NewGoogleBooks(pc.BaseURL, pc.APIKey, client))
		case OpenLibraryID:
			chain = append(chain, NewOpenLibrary(pc.BaseURL, client))
		case ISBNdbID:
			chain = append(chain, NewISBNdb(pc.BaseURL, pc.APIKey, client))
		}
	}
	if len(chain) == 0 {
		return nil, errors.WithHint(
			errors.New("no providers enabled"),
			"enable at least one of providers.googlebooks, providers.openlibrary or providers.isbndb")
	}
	return chain, nil
}
