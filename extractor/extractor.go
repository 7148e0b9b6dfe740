// Package extractor maps a rendered detail view (an HTML snapshot) to the
// fields of one record.
package extractor

import (
	"errors"
	"fmt"

	"github.com/use-agent/harvest/models"
)

// ErrFieldMissing marks a layout mismatch: a required field was not found.
var ErrFieldMissing = errors.New("extractor: required field missing")

// Extractor is a pure function of the snapshot.
type Extractor interface {
	Extract(pageURL, rawHTML string) (map[string]any, error)
}

// New returns the extractor for mode: "layout" (default) or "article".
func New(mode string) (Extractor, error) {
	switch mode {
	case "", "layout":
		return DefaultLayout(), nil
	case "article":
		return NewArticle(), nil
	default:
		return nil, models.NewHarvestError(models.ErrCodeInvalidInput,
			fmt.Sprintf("unknown extract mode %q", mode), nil)
	}
}
