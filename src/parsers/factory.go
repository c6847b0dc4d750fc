// backend/src/parsers/factory.go
package parsers

import (
	"fmt"
	"strings"

	"github.com/username/aims/backend/src/parsers/iati"
)

// GetParser returns the parser for a file format. An empty format means IATI XML.
func GetParser(format string) (Parser, error) {
	switch strings.ToLower(format) {
	case "", "iati", "xml":
		return iati.NewParser(), nil
	default:
		return nil, fmt.Errorf("no parser available for format: %s", format)
	}
}
