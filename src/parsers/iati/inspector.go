package iati

import (
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/username/aims/backend/src/models"
)

const defaultSampleSize = 3

// RawElement is a schema-less rendering of an XML element.
type RawElement struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Text       string            `json:"text,omitempty"`
	Children   []RawElement      `json:"children,omitempty"`
}

// Diagnostics describes the structure of a file without interpreting it.
type Diagnostics struct {
	RootElement                   string         `json:"root_element"`
	Version                       string         `json:"version,omitempty"`
	ActivityCount                 int            `json:"activity_count"`
	OrganisationCount             int            `json:"organisation_count"`
	TransactionCount              int            `json:"transaction_count"`
	RootTransactionCount          int            `json:"root_transaction_count"`
	ActivitiesWithoutTransactions []string       `json:"activities_without_transactions"`
	ActivitiesWithoutIdentifier   int            `json:"activities_without_identifier"`
	DuplicateIdentifiers          []string       `json:"duplicate_identifiers"`
	TransactionsWithoutAmount     int            `json:"transactions_without_amount"`
	TransactionsWithActivityRef   int            `json:"transactions_with_activity_ref"`
	TransactionElementCounts      map[string]int `json:"transaction_element_counts"`
	SampleTransactions            []RawElement   `json:"sample_transactions"`
}

type inspectActivity struct {
	Identifier   string    `xml:"iati-identifier"`
	Transactions []rawNode `xml:"transaction"`
}

// Inspect reports structural facts about a document: counts, activities with
// no transactions, and the raw shape of the first few transactions.
func (p *IATIParser) Inspect(data []byte, sampleSize int) (*Diagnostics, error) {
	if sampleSize <= 0 {
		sampleSize = defaultSampleSize
	}
	decoder := newDecoder(data)
	root, err := findRoot(decoder)
	if err != nil {
		return nil, err
	}
	diag := &Diagnostics{
		RootElement:                   root.Name.Local,
		Version:                       attr(root, "version"),
		ActivitiesWithoutTransactions: []string{},
		DuplicateIdentifiers:          []string{},
		TransactionElementCounts:      make(map[string]int),
		SampleTransactions:            []RawElement{},
	}
	seen := make(map[string]int)

	sample := func(n rawNode) {
		diag.TransactionCount++
		for _, child := range n.Children {
			diag.TransactionElementCounts[child.XMLName.Local]++
			if child.XMLName.Local == "value" && strings.TrimSpace(child.Text) == "" {
				diag.TransactionsWithoutAmount++
			}
		}
		if !hasChild(n, "value") {
			diag.TransactionsWithoutAmount++
		}
		for _, a := range n.Attrs {
			if a.Name.Local == "activity-ref" && strings.TrimSpace(a.Value) != "" {
				diag.TransactionsWithActivityRef++
			}
		}
		if len(diag.SampleTransactions) < sampleSize {
			diag.SampleTransactions = append(diag.SampleTransactions, toRawElement(n))
		}
	}

	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: unexpected end of document inside <%s>", models.ErrMalformedDocument, root.Name.Local)
		}
		if err != nil {
			return nil, malformed(err)
		}
		switch t := tok.(type) {
		case xml.EndElement:
			for id, n := range seen {
				if n > 1 {
					diag.DuplicateIdentifiers = append(diag.DuplicateIdentifiers, id)
				}
			}
			sort.Strings(diag.DuplicateIdentifiers)
			return diag, nil
		case xml.StartElement:
			switch t.Name.Local {
			case "iati-activity":
				var el inspectActivity
				if err := decoder.DecodeElement(&el, &t); err != nil {
					return nil, malformed(err)
				}
				diag.ActivityCount++
				id := strings.TrimSpace(el.Identifier)
				if id == "" {
					diag.ActivitiesWithoutIdentifier++
					id = fmt.Sprintf("activity #%d", diag.ActivityCount)
				} else {
					seen[id]++
				}
				if len(el.Transactions) == 0 {
					diag.ActivitiesWithoutTransactions = append(diag.ActivitiesWithoutTransactions, id)
				}
				for _, n := range el.Transactions {
					sample(n)
				}
			case "transaction":
				var n rawNode
				if err := decoder.DecodeElement(&n, &t); err != nil {
					return nil, malformed(err)
				}
				diag.RootTransactionCount++
				sample(n)
			case "iati-organisation":
				diag.OrganisationCount++
				if err := decoder.Skip(); err != nil {
					return nil, malformed(err)
				}
			default:
				if err := decoder.Skip(); err != nil {
					return nil, malformed(err)
				}
			}
		}
	}
}

func hasChild(n rawNode, name string) bool {
	for _, c := range n.Children {
		if c.XMLName.Local == name {
			return true
		}
	}
	return false
}

func toRawElement(n rawNode) RawElement {
	el := RawElement{Name: n.XMLName.Local, Text: strings.TrimSpace(n.Text)}
	if len(n.Attrs) > 0 {
		el.Attributes = make(map[string]string, len(n.Attrs))
		for _, a := range n.Attrs {
			el.Attributes[a.Name.Local] = a.Value
		}
	}
	for _, c := range n.Children {
		el.Children = append(el.Children, toRawElement(c))
	}
	return el
}
