package iati

import (
	"encoding/xml"
	"strings"
)

// --- XML Data Structures ---

// narrative is one language variant of a text element (IATI 2.x).
type narrative struct {
	Text string `xml:",chardata"`
}

// textElement covers both 2.x <narrative> children and 1.x inline text.
type textElement struct {
	Narratives []narrative `xml:"narrative"`
	Text       string      `xml:",chardata"`
}

// String returns the first non-empty narrative, else the inline text.
func (t textElement) String() string {
	for _, n := range t.Narratives {
		if s := strings.TrimSpace(n.Text); s != "" {
			return s
		}
	}
	return strings.TrimSpace(t.Text)
}

type codeElement struct {
	Code       string `xml:"code,attr"`
	Vocabulary string `xml:"vocabulary,attr"`
}

type dateElement struct {
	Type    string `xml:"type,attr"`
	IsoDate string `xml:"iso-date,attr"`
	Text    string `xml:",chardata"`
}

// value returns the iso-date attribute, falling back to the element text.
func (d dateElement) value() string {
	if s := strings.TrimSpace(d.IsoDate); s != "" {
		return s
	}
	return strings.TrimSpace(d.Text)
}

type orgElement struct {
	Ref  string `xml:"ref,attr"`
	Type string `xml:"type,attr"`
	Role string `xml:"role,attr"`
	textElement
}

type valueElement struct {
	Currency  string `xml:"currency,attr"`
	ValueDate string `xml:"value-date,attr"`
	// Amount is the element text. An amount attribute is never consulted.
	Amount string `xml:",chardata"`
}

type transactionElement struct {
	Ref                 string        `xml:"ref,attr"`
	ActivityRef         string        `xml:"activity-ref,attr"`
	TransactionType     *codeElement  `xml:"transaction-type"`
	TransactionDate     *dateElement  `xml:"transaction-date"`
	Value               *valueElement `xml:"value"`
	Description         textElement   `xml:"description"`
	ProviderOrg         *orgElement   `xml:"provider-org"`
	ReceiverOrg         *orgElement   `xml:"receiver-org"`
	DisbursementChannel *codeElement  `xml:"disbursement-channel"`
	FlowType            *codeElement  `xml:"flow-type"`
	FinanceType         *codeElement  `xml:"finance-type"`
	AidTypes            []codeElement `xml:"aid-type"`
	TiedStatus          *codeElement  `xml:"tied-status"`
}

type activityElement struct {
	DefaultCurrency    string               `xml:"default-currency,attr"`
	Identifier         string               `xml:"iati-identifier"`
	ReportingOrg       *orgElement          `xml:"reporting-org"`
	Title              textElement          `xml:"title"`
	Descriptions       []textElement        `xml:"description"`
	Status             *codeElement         `xml:"activity-status"`
	Dates              []dateElement        `xml:"activity-date"`
	ParticipatingOrgs  []orgElement         `xml:"participating-org"`
	RecipientCountries []codeElement        `xml:"recipient-country"`
	DefaultFlowType    *codeElement         `xml:"default-flow-type"`
	DefaultFinanceType *codeElement         `xml:"default-finance-type"`
	DefaultAidTypes    []codeElement        `xml:"default-aid-type"`
	DefaultTiedStatus  *codeElement         `xml:"default-tied-status"`
	Transactions       []transactionElement `xml:"transaction"`
}

type organisationElement struct {
	DefaultCurrency        string      `xml:"default-currency,attr"`
	OrganisationIdentifier string      `xml:"organisation-identifier"`
	LegacyIdentifier       string      `xml:"iati-identifier"`
	Name                   textElement `xml:"name"`
	ReportingOrg           *orgElement `xml:"reporting-org"`
}

// rawNode is a schema-less view of an element, used by the inspector.
type rawNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Text     string     `xml:",chardata"`
	Children []rawNode  `xml:",any"`
}

func code(c *codeElement) string {
	if c == nil {
		return ""
	}
	return strings.TrimSpace(c.Code)
}

// firstCode picks the first aid-type code from the default OECD DAC vocabulary.
func firstCode(cs []codeElement) string {
	for _, c := range cs {
		if c.Vocabulary != "" && c.Vocabulary != "1" {
			continue
		}
		if s := strings.TrimSpace(c.Code); s != "" {
			return s
		}
	}
	return ""
}
