// backend/src/parsers/parser.go
package parsers

import (
	"iter"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/parsers/iati"
)

// Parser turns a raw file into the canonical parsed document.
type Parser interface {
	Parse(data []byte) (*models.Document, error)
	Activities(data []byte) iter.Seq2[*models.ParsedActivity, error]
	Organizations(data []byte) iter.Seq2[*models.ParsedOrganization, error]
	Inspect(data []byte, sampleSize int) (*iati.Diagnostics, error)
}
