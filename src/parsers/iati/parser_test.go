package iati

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/text/encoding/unicode"

	"github.com/username/aims/backend/src/models"
)

const activitiesXML = `<?xml version="1.0" encoding="UTF-8"?>
<iati-activities version="2.03">
  <iati-activity default-currency="eur">
    <iati-identifier>XX-1</iati-identifier>
    <reporting-org ref="GB-GOV-1" type="10"><narrative>Donor Agency</narrative></reporting-org>
    <title><narrative>Water project</narrative></title>
    <description><narrative>Wells</narrative></description>
    <activity-status code="2"/>
    <activity-date type="1" iso-date="2023-01-01"/>
    <activity-date type="2" iso-date="2023-02-01"/>
    <activity-date type="3" iso-date="2025-12-31"/>
    <participating-org ref="GB-GOV-1" role="1"><narrative>Donor Agency</narrative></participating-org>
    <participating-org role="4"><narrative>Ministry of Health</narrative></participating-org>
    <recipient-country code="ke"/>
    <default-flow-type code="10"/>
    <default-finance-type code="110"/>
    <default-aid-type code="C01"/>
    <default-tied-status code="5"/>
    <transaction ref="t-1">
      <transaction-type code="3"/>
      <transaction-date iso-date="2024-01-15"/>
      <value value-date="2024-01-10">1500.50</value>
      <provider-org ref="GB-GOV-1"><narrative>Donor Agency</narrative></provider-org>
      <receiver-org><narrative>Ministry of Health</narrative></receiver-org>
    </transaction>
    <transaction activity-ref="XX-2">
      <transaction-type code="C"/>
      <value currency="USD" value-date="2024-01-01"></value>
      <flow-type code="30"/>
    </transaction>
  </iati-activity>
  <iati-activity>
    <iati-identifier>XX-2</iati-identifier>
    <title>Legacy title</title>
  </iati-activity>
</iati-activities>`

type ParserSuite struct {
	suite.Suite
	parser *IATIParser
}

func TestParserSuite(t *testing.T) {
	suite.Run(t, new(ParserSuite))
}

func (s *ParserSuite) SetupTest() {
	s.parser = NewParser()
}

func (s *ParserSuite) TestParseActivities() {
	doc, err := s.parser.Parse([]byte(activitiesXML))
	s.Require().NoError(err)
	s.Require().Len(doc.Activities, 2)
	s.Equal("2.03", doc.Version)
	s.Empty(doc.ParseIssues)

	a := doc.Activities[0]
	s.Equal("XX-1", a.Identifier)
	s.Equal("Water project", a.Title)
	s.Equal("Wells", a.Description)
	s.Equal("2", a.StatusCode)
	s.Equal("EUR", a.DefaultCurrency)
	s.Require().NotNil(a.StartDate)
	s.Equal("2023-02-01", a.StartDate.Format("2006-01-02"), "actual start wins over planned")
	s.Require().NotNil(a.EndDate)
	s.Equal("2025-12-31", a.EndDate.Format("2006-01-02"))
	s.Equal([]string{"KE"}, a.RecipientCountries)
	s.Require().NotNil(a.ReportingOrg)
	s.Equal("GB-GOV-1", a.ReportingOrg.Ref)
	s.Require().Len(a.Participants, 2)
	s.Equal(models.RoleFunding, a.Participants[0].Role)
	s.Equal(models.RoleImplementing, a.Participants[1].Role)
	s.Equal("Ministry of Health", a.Participants[1].Name)
	s.Equal(1, a.Position)

	s.Require().Len(a.Transactions, 2)
	tx := a.Transactions[0]
	s.Equal("XX-1#1", tx.Key)
	s.Equal("t-1", tx.Ref)
	s.Equal("3", tx.TypeCode)
	s.True(tx.Value.Valid)
	s.Equal("1500.5", tx.Value.Decimal.String())
	s.Equal("EUR", tx.Currency, "inherits default-currency")
	s.Equal("2024-01-10", tx.Date().Format("2006-01-02"), "value-date is the amount's date")
	s.Equal("XX-1", tx.ContainerID)
	s.Empty(tx.ActivityRef)
	s.Equal("10", tx.FlowTypeCode)
	s.Equal("110", tx.FinanceTypeCode)
	s.Equal("C01", tx.AidTypeCode)
	s.Equal("5", tx.TiedStatusCode)
	s.Require().NotNil(tx.Provider)
	s.Equal(models.RoleProvider, tx.Provider.Role)
	s.Require().NotNil(tx.Receiver)
	s.Equal("Ministry of Health", tx.Receiver.Name)

	second := a.Transactions[1]
	s.Equal("XX-2", second.ActivityRef)
	s.Equal("2", second.TypeCode, "legacy letter code is mapped")
	s.Equal("30", second.FlowTypeCode, "explicit code wins over the default")
	s.False(second.Value.Valid, "an empty amount is left for the validator")
	s.Empty(second.Problems)
	s.Equal("USD", second.Currency)

	s.Equal("Legacy title", doc.Activities[1].Title)
}

func (s *ParserSuite) TestAmountIsReadFromTextOnly() {
	xmlDoc := `<iati-activities><iati-activity><iati-identifier>A</iati-identifier>
	  <transaction><transaction-type code="3"/><value amount="100" value-date="2024-01-01"/></transaction>
	  <transaction><transaction-type code="3"/><value value-date="2024-01-01">abc</value></transaction>
	</iati-activity></iati-activities>`
	doc, err := s.parser.Parse([]byte(xmlDoc))
	s.Require().NoError(err)
	txs := doc.Activities[0].Transactions
	s.Require().Len(txs, 2)
	s.False(txs[0].Value.Valid)
	s.False(txs[1].Value.Valid)
	s.Require().Len(txs[1].Problems, 1)
	s.Equal("value", txs[1].Problems[0].Field)
	s.Equal(models.SeverityError, txs[1].Problems[0].Severity)
}

func (s *ParserSuite) TestMalformedDocument() {
	cases := map[string]string{
		"unclosed element": `<iati-activities><iati-activity><iati-identifier>A</iati-identifier>`,
		"syntax error":     `<iati-activities><iati-activity><title></iati-activity></iati-activities>`,
		"wrong root":       `<rss><channel/></rss>`,
		"empty":            ``,
	}
	for name, data := range cases {
		s.Run(name, func() {
			_, err := s.parser.Parse([]byte(data))
			s.Require().ErrorIs(err, models.ErrMalformedDocument)
		})
	}
}

func (s *ParserSuite) TestActivityWithoutIdentifierIsSkipped() {
	xmlDoc := `<iati-activities>
	  <iati-activity><title>No id</title></iati-activity>
	  <iati-activity><iati-identifier>B</iati-identifier><title>Ok</title></iati-activity>
	</iati-activities>`
	doc, err := s.parser.Parse([]byte(xmlDoc))
	s.Require().NoError(err)
	s.Require().Len(doc.Activities, 1)
	s.Equal("B", doc.Activities[0].Identifier)
	s.Require().Len(doc.ParseIssues, 1)
	s.Equal(models.CodeEntityParse, doc.ParseIssues[0].Code)
	s.Equal("activity #1", doc.ParseIssues[0].Reference)
}

func (s *ParserSuite) TestDuplicateIdentifiersAreMerged() {
	xmlDoc := `<iati-activities>
	  <iati-activity><iati-identifier>A</iati-identifier><title>First</title>
	    <transaction><transaction-type code="3"/><value value-date="2024-01-01">1</value></transaction>
	  </iati-activity>
	  <iati-activity><iati-identifier>B</iati-identifier><title>Other</title></iati-activity>
	  <iati-activity><iati-identifier>A</iati-identifier><title>Second</title>
	    <transaction><transaction-type code="3"/><value value-date="2024-01-02">2</value></transaction>
	  </iati-activity>
	</iati-activities>`
	doc, err := s.parser.Parse([]byte(xmlDoc))
	s.Require().NoError(err)
	s.Require().Len(doc.Activities, 2)
	a := doc.Activities[0]
	s.Equal("Second", a.Title)
	s.Require().Len(a.Transactions, 2)
	s.Equal("A#1", a.Transactions[0].Key)
	s.Equal("A#2", a.Transactions[1].Key)
}

func (s *ParserSuite) TestRootLevelTransactions() {
	xmlDoc := `<iati-activities>
	  <transaction activity-ref="XX-2"><transaction-type code="3"/><value currency="USD" value-date="2024-01-01">10</value></transaction>
	  <iati-activity><iati-identifier>XX-2</iati-identifier><title>Later</title></iati-activity>
	</iati-activities>`
	doc, err := s.parser.Parse([]byte(xmlDoc))
	s.Require().NoError(err)
	s.Require().Len(doc.RootTransactions, 1)
	tx := doc.RootTransactions[0]
	s.Equal("root#1", tx.Key)
	s.Equal("XX-2", tx.ActivityRef)
	s.Empty(tx.ContainerID)
	s.Len(doc.Transactions(), 1)
}

func (s *ParserSuite) TestOrganisationFile() {
	xmlDoc := `<iati-organisations version="2.03">
	  <iati-organisation>
	    <organisation-identifier>GB-CHC-202918</organisation-identifier>
	    <name><narrative>Oxfam GB</narrative></name>
	    <reporting-org ref="GB-CHC-202918" type="21"/>
	  </iati-organisation>
	  <iati-organisation><name><narrative>Unnamed Trust</narrative></name></iati-organisation>
	  <iati-organisation></iati-organisation>
	</iati-organisations>`
	doc, err := s.parser.Parse([]byte(xmlDoc))
	s.Require().NoError(err)
	s.Require().Len(doc.Organizations, 2)
	org := doc.Organizations[0]
	s.Equal("GB-CHC-202918", org.Identifier)
	s.Equal("Oxfam GB", org.Name)
	s.Equal("21", org.TypeCode)
	s.Equal("GB", org.CountryCode)
	s.Equal("name:unnamed trust", doc.Organizations[1].Key())
	s.Require().Len(doc.ParseIssues, 1)
	s.Equal(models.EntityOrganization, doc.ParseIssues[0].Entity)
	s.Empty(doc.Activities)
}

func (s *ParserSuite) TestActivitiesIteratorIsRestartable() {
	data := []byte(activitiesXML)
	collect := func() []string {
		var ids []string
		for a, err := range s.parser.Activities(data) {
			s.Require().NoError(err)
			ids = append(ids, a.Identifier)
		}
		return ids
	}
	s.Equal([]string{"XX-1", "XX-2"}, collect())
	s.Equal([]string{"XX-1", "XX-2"}, collect())

	count := 0
	for range s.parser.Activities(data) {
		count++
		break
	}
	s.Equal(1, count)
}

func (s *ParserSuite) TestIteratorReportsMalformedAfterEmittedActivities() {
	data := []byte(`<iati-activities><iati-activity><iati-identifier>A</iati-identifier></iati-activity><iati-activity>`)
	var ids []string
	var final error
	for a, err := range s.parser.Activities(data) {
		if err != nil {
			final = err
			continue
		}
		ids = append(ids, a.Identifier)
	}
	s.Equal([]string{"A"}, ids)
	s.ErrorIs(final, models.ErrMalformedDocument)
}

func TestOrganizationsIteratorOnActivityFile(t *testing.T) {
	p := NewParser()
	count := 0
	for _, err := range p.Organizations([]byte(activitiesXML)) {
		require.NoError(t, err)
		count++
	}
	assert.Zero(t, count)
}

func TestCharsetDeclaration(t *testing.T) {
	data := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<iati-activities><iati-activity><iati-identifier>A</iati-identifier><title>Sa\xfade</title></iati-activity></iati-activities>")
	doc, err := NewParser().Parse(data)
	require.NoError(t, err)
	require.Len(t, doc.Activities, 1)
	assert.Equal(t, "Saúde", doc.Activities[0].Title)
}

func TestUTF16WithByteOrderMark(t *testing.T) {
	const doc = `<?xml version="1.0" encoding="UTF-16"?>
<iati-activities version="2.03"><iati-activity><iati-identifier>XX-1</iati-identifier><title><narrative>Saúde</narrative></title></iati-activity></iati-activities>`

	for name, endianness := range map[string]unicode.Endianness{"little endian": unicode.LittleEndian, "big endian": unicode.BigEndian} {
		t.Run(name, func(t *testing.T) {
			data, err := unicode.UTF16(endianness, unicode.UseBOM).NewEncoder().String(doc)
			require.NoError(t, err)

			parsed, err := NewParser().Parse([]byte(data))
			require.NoError(t, err)
			require.Len(t, parsed.Activities, 1)
			assert.Equal(t, "XX-1", parsed.Activities[0].Identifier)
			assert.Equal(t, "Saúde", parsed.Activities[0].Title)
		})
	}
}

func TestUTF8ByteOrderMarkIsStripped(t *testing.T) {
	data := append([]byte{0xEF, 0xBB, 0xBF}, activitiesXML...)
	doc, err := NewParser().Parse(data)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Activities)
}
