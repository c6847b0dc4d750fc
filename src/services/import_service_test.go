package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/username/aims/backend/src/metrics"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/parsers/iati"
	"github.com/username/aims/backend/src/processors"
)

const fixtureXML = `<?xml version="1.0" encoding="UTF-8"?>
<iati-activities version="2.03">
  <iati-activity>
    <iati-identifier>XX-1</iati-identifier>
    <title><narrative>Clinics</narrative></title>
    <reporting-org ref="GB-GOV-1"><narrative>Donor Agency</narrative></reporting-org>
    <participating-org role="4"><narrative>Ministry of Health</narrative></participating-org>
    <transaction>
      <transaction-type code="3"/>
      <value currency="USD" value-date="2024-01-01">100</value>
      <receiver-org><narrative>Ministry of Health</narrative></receiver-org>
    </transaction>
    <transaction activity-ref="XX-2">
      <transaction-type code="3"/>
      <value currency="USD" value-date="2024-01-02">200</value>
    </transaction>
    <transaction activity-ref="XX-9">
      <transaction-type code="3"/>
      <value currency="USD" value-date="2024-01-03">300</value>
    </transaction>
    <transaction>
      <transaction-type code="3"/>
      <value currency="USD" value-date="2024-01-04"/>
    </transaction>
  </iati-activity>
  <iati-activity>
    <iati-identifier>XX-2</iati-identifier>
    <title><narrative>Schools</narrative></title>
  </iati-activity>
</iati-activities>`

const orphansXML = `<iati-activities>
  <iati-activity>
    <iati-identifier>XX-1</iati-identifier>
    <title>A</title>
    <transaction activity-ref="XX-9">
      <transaction-type code="3"/>
      <value currency="USD" value-date="2024-01-03">300</value>
    </transaction>
  </iati-activity>
  <transaction activity-ref="NOPE">
    <transaction-type code="3"/>
    <value currency="USD" value-date="2024-02-01">50</value>
  </transaction>
</iati-activities>`

const ministryXML = `<iati-activities>
  <iati-activity>
    <iati-identifier>XX-5</iati-identifier>
    <title>Health systems</title>
    <participating-org role="4"><narrative>Ministry of Health</narrative></participating-org>
    <transaction>
      <transaction-type code="2"/>
      <value currency="USD" value-date="2024-03-01">1000</value>
      <receiver-org><narrative>MINISTRY OF HEALTH</narrative></receiver-org>
    </transaction>
  </iati-activity>
</iati-activities>`

type ImportServiceSuite struct {
	suite.Suite
	ctx      context.Context
	store    *memoryStore
	sessions *cache.Cache
}

func TestImportServiceSuite(t *testing.T) {
	suite.Run(t, new(ImportServiceSuite))
}

func (s *ImportServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = newMemoryStore()
	s.sessions = cache.New(time.Minute, 0)
}

func (s *ImportServiceSuite) service(opts Options) ImportService {
	return NewImportService(
		iati.NewParser(),
		processors.NewValidator(),
		processors.NewTransactionProcessor(nil),
		s.store,
		metrics.New(prometheus.NewRegistry()),
		s.sessions,
		opts,
	)
}

func hasIssue(issues []models.Issue, ref, code string) bool {
	for _, i := range issues {
		if i.Reference == ref && i.Code == code {
			return true
		}
	}
	return false
}

func (s *ImportServiceSuite) activityID(identifier string) int64 {
	a, err := s.store.FindActivityByIdentifier(s.ctx, identifier)
	s.Require().NoError(err)
	return a.ID
}

func (s *ImportServiceSuite) TestParsePersistsNothing() {
	preview, err := s.service(Options{}).Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)

	s.NotEmpty(preview.SessionID)
	s.Equal("2.03", preview.Version)
	s.Equal(EntityPreview{Total: 2, Create: 2}, preview.Activities)
	s.Equal(EntityPreview{Total: 2, Create: 2}, preview.Organizations)
	s.Equal(TransactionPreview{Total: 4, Linked: 2, Unresolved: 1, Blocked: 1}, preview.Transactions)
	s.Require().Len(preview.Unresolved, 1)
	s.Equal("XX-1#3", preview.Unresolved[0].Key)
	s.Equal("XX-9", preview.Unresolved[0].Reference)
	s.Equal("300", preview.Unresolved[0].Value)
	s.True(hasIssue(preview.Errors, "XX-1#4", models.CodeMissingField))
	s.False(preview.ExpiresAt.IsZero())

	orgs, activities, txs := s.store.counts()
	s.Zero(orgs + activities + txs)
}

func (s *ImportServiceSuite) TestImportLinksForwardReferenceAndSkipsUnresolved() {
	report, err := s.service(Options{}).ImportFile(s.ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().NoError(err)

	s.Equal(models.EntityCounts{Created: 2}, report.Organizations)
	s.Equal(models.EntityCounts{Created: 2}, report.Activities)
	s.Equal(models.EntityCounts{Created: 2, Skipped: 1, Failed: 1}, report.Transactions)

	s.Equal(s.activityID("XX-2"), s.store.txActivity["XX-1#2"], "forward reference links to the activity created later in the file")
	s.Equal(s.activityID("XX-1"), s.store.txActivity["XX-1#1"])
	s.True(hasIssue(report.Warnings, "XX-1#3", models.CodeUnresolved))
	s.True(hasIssue(report.Errors, "XX-1#4", models.CodeMissingField))
	s.Len(s.store.participants[s.activityID("XX-1")], 2, "reporting and implementing organisations")

	s.Require().Len(s.store.logs, 1)
	s.Equal(StatusCompleted, s.store.logs[0].Status)
	s.Equal(2, s.store.logs[0].TransactionsCreated)
	s.Equal(report.RunID, s.store.logs[0].RunID)
	s.NotEmpty(report.Created)
}

func (s *ImportServiceSuite) TestRerunNeverCreates() {
	svc := s.service(Options{})
	_, err := svc.ImportFile(s.ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().NoError(err)

	report, err := svc.ImportFile(s.ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(models.EntityCounts{Updated: 2}, report.Organizations)
	s.Equal(models.EntityCounts{Updated: 2}, report.Activities)
	s.Equal(models.EntityCounts{SkippedDuplicates: 2, Skipped: 1, Failed: 1}, report.Transactions)
	s.Empty(report.Created)

	orgs, activities, txs := s.store.counts()
	s.Equal([3]int{2, 2, 2}, [3]int{orgs, activities, txs})
}

func (s *ImportServiceSuite) TestNameOnlyOrganizationUpdatesExistingRecord() {
	existing := s.store.addOrganization(models.StoredOrganization{Name: "Ministry of Health"})

	report, err := s.service(Options{}).ImportFile(s.ctx, "ministry.xml", []byte(ministryXML), processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(1, report.Organizations.Updated)
	s.Zero(report.Organizations.Created)
	s.Equal(1, report.Transactions.Created)

	w := s.store.transactions
	s.Require().Len(w, 1)
	for _, tx := range w {
		s.Equal(existing, tx.ReceiverOrgID)
	}
}

func (s *ImportServiceSuite) TestBulkAssignmentThenIndividualOverride() {
	storeOne := s.store.addActivity("STORE-1", "Stored one")
	storeTwo := s.store.addActivity("STORE-2", "Stored two")
	svc := s.service(Options{})

	preview, err := svc.Parse(s.ctx, "orphans.xml", []byte(orphansXML))
	s.Require().NoError(err)
	s.Equal(2, preview.Transactions.Unresolved)

	res, err := svc.ApplyAssignments(s.ctx, preview.SessionID, processors.AssignmentRequest{
		Bulk: &processors.BulkAssignment{Target: processors.Target{ActivityID: storeOne}},
	})
	s.Require().NoError(err)
	s.Empty(res.Rejected)
	s.Empty(res.Unresolved)

	unresolved, err := svc.ListUnresolved(s.ctx, preview.SessionID)
	s.Require().NoError(err)
	s.Empty(unresolved)

	report, err := svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{
		Assignments: []processors.Assignment{{TransactionKey: "XX-1#1", Target: processors.Target{ActivityIdentifier: "STORE-2"}}},
	})
	s.Require().NoError(err)
	s.Equal(2, report.Transactions.Created)
	s.Equal(storeTwo, s.store.txActivity["XX-1#1"], "individual choice wins over the bulk rule")
	s.Equal(storeOne, s.store.txActivity["root#1"])
}

func (s *ImportServiceSuite) TestRejectedAssignmentsReachTheReport() {
	svc := s.service(Options{})
	preview, err := svc.Parse(s.ctx, "orphans.xml", []byte(orphansXML))
	s.Require().NoError(err)

	res, err := svc.ApplyAssignments(s.ctx, preview.SessionID, processors.AssignmentRequest{
		Assignments: []processors.Assignment{{TransactionKey: "XX-1#1", Target: processors.Target{ActivityID: 999}}},
	})
	s.Require().NoError(err)
	s.Len(res.Rejected, 1)
	s.Len(res.Unresolved, 2)

	report, err := svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.True(hasIssue(report.Warnings, "XX-1#1", models.CodeAssignmentRejected))
	s.Equal(2, report.Transactions.Skipped)
}

func (s *ImportServiceSuite) TestAllowUnlinkedImportsWithoutActivity() {
	report, err := s.service(Options{AllowUnlinked: true}).ImportFile(s.ctx, "orphans.xml", []byte(orphansXML), processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(2, report.Transactions.Created)
	s.Zero(s.store.txActivity["root#1"])
	s.True(hasIssue(report.Warnings, "root#1", models.CodeUnresolved))
}

func (s *ImportServiceSuite) TestBlockedActivityFailsDependentTransactions() {
	xml := strings.Replace(fixtureXML, "<title><narrative>Schools</narrative></title>", "<title/>", 1)
	report, err := s.service(Options{}).ImportFile(s.ctx, "fixture.xml", []byte(xml), processors.AssignmentRequest{})
	s.Require().NoError(err)

	s.Equal(models.EntityCounts{Created: 1, Failed: 1}, report.Activities)
	s.Equal(models.EntityCounts{Created: 1, Skipped: 1, Failed: 2}, report.Transactions)
	var chain string
	for _, i := range report.Errors {
		if i.Reference == "XX-1#2" {
			chain = i.Message
		}
	}
	s.Contains(chain, "XX-2")
	s.Contains(chain, "blocked by validation")
}

func (s *ImportServiceSuite) TestFailedOrganizationFailsDependentTransactions() {
	xml := strings.Replace(ministryXML, "<receiver-org>", `<receiver-org ref="KE-GOV-7">`, 1)
	id := s.store.addOrganization(models.StoredOrganization{Identifier: "KE-GOV-7", Name: "Ministry of Health"})
	svc := s.service(Options{})
	preview, err := svc.Parse(s.ctx, "ministry.xml", []byte(xml))
	s.Require().NoError(err)

	delete(s.store.orgs, id)
	report, err := svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(1, report.Organizations.Failed)
	s.Equal(1, report.Activities.Created, "the activity drops the participant and is still saved")
	s.Equal(1, report.Transactions.Failed)
	s.True(hasIssue(report.Errors, "XX-5#1", models.CodeDependencyFailed))
	s.True(hasIssue(report.Warnings, "XX-5", models.CodeDependencyFailed))
}

func (s *ImportServiceSuite) TestFatalPersistenceAbortsRemainingPhases() {
	s.store.failBatch["activities"] = errors.New("disk I/O error")

	report, err := s.service(Options{}).ImportFile(s.ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().Error(err)
	s.ErrorIs(err, ErrImportFailed)
	s.ErrorIs(err, models.ErrPersistenceFatal)
	s.Require().NotNil(report)
	s.Equal(2, report.Organizations.Created, "completed phases are reported")
	s.Zero(report.Activities.Total())
	s.Zero(report.Transactions.Total())
	s.Contains(report.Fatal, "disk I/O error")

	orgs, activities, txs := s.store.counts()
	s.Equal([3]int{2, 0, 0}, [3]int{orgs, activities, txs})
	s.Require().Len(s.store.logs, 1)
	s.Equal(StatusFailed, s.store.logs[0].Status)
}

func (s *ImportServiceSuite) TestConcurrentCreateIsRetriedAsUpdate() {
	s.store.raceOrganizations["ref:GB-GOV-1"] = true
	s.store.raceActivities["XX-2"] = true

	report, err := s.service(Options{}).ImportFile(s.ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(models.EntityCounts{Created: 1, Updated: 1}, report.Organizations)
	s.Equal(models.EntityCounts{Created: 1, Updated: 1}, report.Activities)
	s.True(hasIssue(report.Warnings, "XX-2", models.CodeConflictRetried))
	s.Equal(s.activityID("XX-2"), s.store.txActivity["XX-1#2"])
	_, activities, _ := s.store.counts()
	s.Equal(2, activities)
}

func (s *ImportServiceSuite) TestCancellationHonouredAtPhaseBoundary() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.store.onBatch = func(name string) {
		if name == "organizations" {
			cancel()
		}
	}

	report, err := s.service(Options{}).ImportFile(ctx, "fixture.xml", []byte(fixtureXML), processors.AssignmentRequest{})
	s.Require().ErrorIs(err, context.Canceled)
	s.Equal(2, report.Organizations.Created, "the started phase completes")
	s.Zero(report.Activities.Total())
	s.True(hasIssue(report.Errors, report.RunID, models.CodeCancelled))
	s.Require().Len(s.store.logs, 1)
	s.Equal(StatusCancelled, s.store.logs[0].Status)
}

func (s *ImportServiceSuite) TestCancellationBeforeImportKeepsSession() {
	svc := s.service(Options{})
	preview, err := svc.Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)

	cancelled, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err = svc.Import(cancelled, preview.SessionID, processors.AssignmentRequest{})
	s.Require().ErrorIs(err, context.Canceled)
	_, activities, _ := s.store.counts()
	s.Zero(activities)

	report, err := svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{})
	s.Require().NoError(err)
	s.Equal(2, report.Activities.Created)
}

func (s *ImportServiceSuite) TestSessionLifecycle() {
	svc := s.service(Options{})
	preview, err := svc.Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)

	_, err = svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{})
	s.Require().NoError(err)
	_, err = svc.Import(s.ctx, preview.SessionID, processors.AssignmentRequest{})
	s.ErrorIs(err, models.ErrSessionNotFound, "imported sessions are gone")

	preview, err = svc.Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)
	s.True(svc.Discard(preview.SessionID))
	s.False(svc.Discard(preview.SessionID))
	_, err = svc.ListUnresolved(s.ctx, preview.SessionID)
	s.ErrorIs(err, models.ErrSessionNotFound)
	_, err = svc.ApplyAssignments(s.ctx, "missing", processors.AssignmentRequest{})
	s.ErrorIs(err, models.ErrSessionNotFound)
}

func (s *ImportServiceSuite) TestExpiredSessionUsesDefaultPolicy() {
	s.sessions = cache.New(time.Millisecond, 0)
	_, err := s.service(Options{ImportOnExpiry: true}).Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)

	time.Sleep(10 * time.Millisecond)
	s.sessions.DeleteExpired()

	_, activities, txs := s.store.counts()
	s.Equal(2, activities)
	s.Equal(2, txs)
	s.Require().Len(s.store.logs, 1)
}

func (s *ImportServiceSuite) TestExpiredSessionDiscardedWhenConfigured() {
	s.sessions = cache.New(time.Millisecond, 0)
	_, err := s.service(Options{}).Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.Require().NoError(err)

	time.Sleep(10 * time.Millisecond)
	s.sessions.DeleteExpired()

	_, activities, _ := s.store.counts()
	s.Zero(activities)
	s.Empty(s.store.logs)
}

func (s *ImportServiceSuite) TestMalformedDocument() {
	_, err := s.service(Options{}).Parse(s.ctx, "bad.xml", []byte(`<html><body/></html>`))
	s.ErrorIs(err, ErrParsingFailed)
	s.ErrorIs(err, models.ErrMalformedDocument)

	_, err = s.service(Options{}).Inspect(s.ctx, []byte(`<iati-activities><iati-activity>`), 5)
	s.ErrorIs(err, ErrParsingFailed)
}

type failingLookupStore struct {
	*memoryStore
}

func (f failingLookupStore) FindActivityByIdentifier(context.Context, string) (*models.StoredActivity, error) {
	return nil, errors.New("connection reset")
}

func (s *ImportServiceSuite) TestLookupFailureFailsParse() {
	svc := NewImportService(iati.NewParser(), processors.NewValidator(), processors.NewTransactionProcessor(nil),
		failingLookupStore{s.store}, nil, s.sessions, Options{})
	_, err := svc.Parse(s.ctx, "fixture.xml", []byte(fixtureXML))
	s.ErrorIs(err, ErrLookupFailed)
	s.Zero(s.sessions.ItemCount())
}

func (s *ImportServiceSuite) TestInspect() {
	diag, err := s.service(Options{}).Inspect(s.ctx, []byte(fixtureXML), 2)
	s.Require().NoError(err)
	s.Equal(2, diag.ActivityCount)
	s.Equal(4, diag.TransactionCount)
	s.Contains(diag.ActivitiesWithoutTransactions, "XX-2")
}
