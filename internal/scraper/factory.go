// internal/scraper/factory.go
package scraper

import (
	"fmt"

	"github.com/javajoker/medequip-scraper/internal/models"
)

// NewAdapter builds the adapter for source. baseURLs is keyed by source name.
func NewAdapter(source models.Source, fetcher *Fetcher, baseURLs map[string]string) (Adapter, error) {
	base, ok := baseURLs[string(source)]
	if !ok || base == "" {
		return nil, fmt.Errorf("no base URL configured for %s", source)
	}

	var (
		adapter Adapter
		err     error
	)
	switch source {
	case models.SourceMedicalExpo:
		adapter, err = NewMedicalExpoAdapter(fetcher, base)
	case models.SourceMedline:
		adapter, err = NewMedlineAdapter(fetcher, base)
	case models.SourceAlibaba:
		adapter, err = NewAlibabaAdapter(fetcher, base)
	default:
		return nil, fmt.Errorf("unsupported source %q", source)
	}
	if err != nil {
		return nil, fmt.Errorf("invalid base URL for %s: %w", source, err)
	}
	return adapter, nil
}
