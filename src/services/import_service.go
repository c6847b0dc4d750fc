// backend/src/services/import_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/metrics"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/parsers"
	"github.com/username/aims/backend/src/parsers/iati"
	"github.com/username/aims/backend/src/processors"
	"github.com/username/aims/backend/src/utils"
)

const (
	ckReviewSession = "iati_review_session_%s"

	DefaultCacheExpiration = 30 * time.Minute
	CacheCleanupInterval   = time.Minute
)

// Run statuses written to the import log.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Options tune the import policy.
type Options struct {
	// AllowUnlinked imports transactions left unresolved without an activity.
	AllowUnlinked bool
	// ImportOnExpiry imports a review session that expires unconfirmed,
	// applying the unresolved policy, instead of discarding it.
	ImportOnExpiry bool
	// SampleSize bounds the created-records sample of a report. Zero keeps all.
	SampleSize int
}

// reviewSession is a parsed file waiting for assignments and confirmation.
type reviewSession struct {
	mu       sync.Mutex
	id       string
	fileName string
	plan     *Plan
	issues   []models.Issue
	rejected []models.Issue
	// closed is set once the session was imported or discarded.
	closed bool
}

type importServiceImpl struct {
	parser               parsers.Parser
	validator            *processors.Validator
	transactionProcessor *processors.TransactionProcessor
	store                Store
	executor             *Executor
	metrics              *metrics.Metrics
	sessions             *cache.Cache
	opts                 Options
}

// NewImportService wires the pipeline. sessions holds review sessions; its
// default expiration is the review timeout.
func NewImportService(
	parser parsers.Parser,
	validator *processors.Validator,
	transactionProcessor *processors.TransactionProcessor,
	store Store,
	m *metrics.Metrics,
	sessions *cache.Cache,
	opts Options,
) ImportService {
	s := &importServiceImpl{
		parser:               parser,
		validator:            validator,
		transactionProcessor: transactionProcessor,
		store:                store,
		executor:             NewExecutor(store, transactionProcessor),
		metrics:              m,
		sessions:             sessions,
		opts:                 opts,
	}
	sessions.OnEvicted(s.onSessionEvicted)
	return s
}

func sessionKey(id string) string {
	return fmt.Sprintf(ckReviewSession, id)
}

func (s *importServiceImpl) Parse(ctx context.Context, fileName string, data []byte) (*Preview, error) {
	startTime := time.Now()
	sessionID := uuid.NewString()
	ctx = logger.WithRunID(ctx, sessionID)
	log := logger.FromContext(ctx)
	log.Info("Parse START", "fileName", fileName, "bytes", len(data))

	sess, err := s.prepare(ctx, sessionID, fileName, data)
	if err != nil {
		log.Warn("Parse failed", "error", err)
		return nil, err
	}

	s.sessions.Set(sessionKey(sessionID), sess, cache.DefaultExpiration)
	s.metrics.SessionOpened()

	preview := s.preview(sess)
	if _, expiresAt, found := s.sessions.GetWithExpiration(sessionKey(sessionID)); found {
		preview.ExpiresAt = expiresAt
	}
	s.metrics.ObserveParse(time.Since(startTime), preview.Transactions.Unresolved)
	log.Info("Parse END",
		"activities", preview.Activities.Total,
		"transactions", preview.Transactions.Total,
		"unresolved", preview.Transactions.Unresolved,
		"errors", len(preview.Errors),
		"duration", time.Since(startTime))
	return preview, nil
}

// prepare runs every step that needs no human: extraction, validation, USD
// enrichment, identifier resolution, reference map and linking.
func (s *importServiceImpl) prepare(ctx context.Context, sessionID, fileName string, data []byte) (*reviewSession, error) {
	doc, err := s.parser.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParsingFailed, err)
	}

	set := processors.CollectOrganizations(doc)
	validation := s.validator.ValidateDocument(doc, set.Organizations)
	enrichment := s.transactionProcessor.Enrich(doc.Transactions())

	resolution, err := processors.NewResolver(s.store).Resolve(ctx, doc, set, validation)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	refs := processors.BuildReferenceMap(resolution.Activities)
	if err := refs.ExtendFromStore(ctx, s.store, doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	links := processors.NewLinker().Link(ctx, doc, refs, validation.BlockedTransactions)

	var issues []models.Issue
	issues = append(issues, doc.ParseIssues...)
	issues = append(issues, validation.Issues...)
	issues = append(issues, resolution.Issues...)
	issues = append(issues, enrichment...)

	return &reviewSession{
		id:       sessionID,
		fileName: fileName,
		plan: &Plan{
			Document:   doc,
			Resolution: resolution,
			References: refs,
			Links:      links,
			Blocked:    validation.BlockedTransactions,
		},
		issues: issues,
	}, nil
}

func (s *importServiceImpl) preview(sess *reviewSession) *Preview {
	plan := sess.plan
	p := &Preview{
		SessionID: sess.id,
		FileName:  sess.fileName,
		Version:   plan.Document.Version,
		Matches:   []ExistingMatch{},
		Errors:    []models.Issue{},
		Warnings:  []models.Issue{},
	}

	for _, d := range plan.Resolution.Organizations {
		countAction(&p.Organizations, d.Action)
		if d.ExistingID > 0 {
			p.Matches = append(p.Matches, ExistingMatch{Entity: models.EntityOrganization, Reference: d.Organization.Label(), ID: d.ExistingID})
		}
	}
	for _, d := range plan.Resolution.Activities {
		countAction(&p.Activities, d.Action)
		if d.ExistingID > 0 {
			p.Matches = append(p.Matches, ExistingMatch{Entity: models.EntityActivity, Reference: d.Activity.Identifier, ID: d.ExistingID})
		}
	}

	p.Transactions.Total = len(plan.Document.Transactions())
	p.Transactions.Blocked = len(plan.Blocked)
	p.Transactions.Linked = len(plan.Links.InState(models.LinkLinked)) + len(plan.Links.InState(models.LinkManuallyAssigned))
	p.Transactions.Unresolved = len(plan.Links.Unresolved())

	for _, i := range sess.issues {
		if i.Blocking() {
			p.Errors = append(p.Errors, i)
		} else {
			p.Warnings = append(p.Warnings, i)
		}
	}
	p.Unresolved = unresolvedView(plan)
	return p
}

func countAction(p *EntityPreview, action models.Action) {
	p.Total++
	switch action {
	case models.ActionCreate:
		p.Create++
	case models.ActionUpdate:
		p.Update++
	case models.ActionSkip:
		p.Skip++
	default:
		panic(fmt.Sprintf("unknown action %q", action))
	}
}

func unresolvedView(plan *Plan) []UnresolvedTransaction {
	byKey := make(map[string]*models.ParsedTransaction)
	for _, tx := range plan.Document.Transactions() {
		byKey[tx.Key] = tx
	}
	out := []UnresolvedTransaction{}
	for _, d := range plan.Links.Unresolved() {
		tx, ok := byKey[d.TransactionKey]
		if !ok {
			continue
		}
		u := UnresolvedTransaction{
			Key:         tx.Key,
			Reference:   d.Reference,
			ContainerID: tx.ContainerID,
			TypeCode:    tx.TypeCode,
			Currency:    tx.Currency,
			Date:        utils.FormatDate(tx.Date()),
		}
		if tx.Value.Valid {
			u.Value = tx.Value.Decimal.String()
		}
		if tx.Provider != nil {
			u.Provider = tx.Provider.Label()
		}
		if tx.Receiver != nil {
			u.Receiver = tx.Receiver.Label()
		}
		out = append(out, u)
	}
	return out
}

func (s *importServiceImpl) Inspect(ctx context.Context, data []byte, sampleSize int) (*iati.Diagnostics, error) {
	diag, err := s.parser.Inspect(data, sampleSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParsingFailed, err)
	}
	logger.FromContext(ctx).Info("Inspected IATI file",
		"root", diag.RootElement,
		"activities", diag.ActivityCount,
		"transactions", diag.TransactionCount,
		"activitiesWithoutTransactions", len(diag.ActivitiesWithoutTransactions))
	return diag, nil
}

// session returns an open review session.
func (s *importServiceImpl) session(id string) (*reviewSession, error) {
	v, found := s.sessions.Get(sessionKey(id))
	if !found {
		return nil, models.ErrSessionNotFound
	}
	return v.(*reviewSession), nil
}

func (s *importServiceImpl) ListUnresolved(ctx context.Context, sessionID string) ([]UnresolvedTransaction, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, models.ErrSessionNotFound
	}
	return unresolvedView(sess.plan), nil
}

func (s *importServiceImpl) ApplyAssignments(ctx context.Context, sessionID string, req processors.AssignmentRequest) (*AssignmentResult, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return nil, models.ErrSessionNotFound
	}

	ctx = logger.WithRunID(ctx, sess.id)
	rejected, err := processors.NewAssignmentResolver(s.store).Apply(ctx, sess.plan.Links, sess.plan.References, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
	}
	sess.rejected = append(sess.rejected, rejected...)
	if rejected == nil {
		rejected = []models.Issue{}
	}
	return &AssignmentResult{Rejected: rejected, Unresolved: unresolvedView(sess.plan)}, nil
}

func (s *importServiceImpl) Import(ctx context.Context, sessionID string, req processors.AssignmentRequest) (*models.ImportReport, error) {
	sess, err := s.session(sessionID)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	if sess.closed {
		sess.mu.Unlock()
		return nil, models.ErrAlreadyImported
	}
	if err := ctx.Err(); err != nil {
		// Nothing has been written; the session stays open for another try.
		sess.mu.Unlock()
		return nil, fmt.Errorf("import not started: %w", err)
	}
	report, err := s.execute(ctx, sess, req)
	closed := sess.closed
	sess.mu.Unlock()

	if closed {
		s.sessions.Delete(sessionKey(sessionID))
	}
	return report, err
}

func (s *importServiceImpl) ImportFile(ctx context.Context, fileName string, data []byte, req processors.AssignmentRequest) (*models.ImportReport, error) {
	preview, err := s.Parse(ctx, fileName, data)
	if err != nil {
		return nil, err
	}
	return s.Import(ctx, preview.SessionID, req)
}

func (s *importServiceImpl) Discard(sessionID string) bool {
	sess, err := s.session(sessionID)
	if err != nil {
		return false
	}
	sess.mu.Lock()
	wasOpen := !sess.closed
	sess.closed = true
	sess.mu.Unlock()
	if wasOpen {
		s.sessions.Delete(sessionKey(sessionID))
		logger.L.Info("Review session discarded", "runID", sessionID)
	}
	return wasOpen
}

// onSessionEvicted runs for every session leaving the cache, whether deleted
// after import, discarded or expired.
func (s *importServiceImpl) onSessionEvicted(_ string, v interface{}) {
	sess, ok := v.(*reviewSession)
	if !ok {
		return
	}
	s.metrics.SessionClosed()

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return
	}
	if !s.opts.ImportOnExpiry {
		sess.closed = true
		logger.L.Info("Review session expired; discarded", "runID", sess.id, "fileName", sess.fileName)
		return
	}

	logger.L.Info("Review session expired; importing with the default policy", "runID", sess.id, "fileName", sess.fileName)
	if _, err := s.execute(context.Background(), sess, processors.AssignmentRequest{}); err != nil {
		logger.L.Error("Import of expired review session failed", "runID", sess.id, "error", err)
	}
}

// execute applies req and runs the executor. The caller holds sess.mu.
// Once the executor starts the session is closed, whatever the outcome.
func (s *importServiceImpl) execute(ctx context.Context, sess *reviewSession, req processors.AssignmentRequest) (*models.ImportReport, error) {
	startTime := time.Now()
	ctx = logger.WithRunID(ctx, sess.id)
	log := logger.FromContext(ctx)
	log.Info("Import START", "fileName", sess.fileName)

	var assignmentIssues []models.Issue
	if !req.IsEmpty() {
		issues, err := processors.NewAssignmentResolver(s.store).Apply(ctx, sess.plan.Links, sess.plan.References, req)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrLookupFailed, err)
		}
		assignmentIssues = issues
	}
	sess.closed = true

	report := models.NewImportReport(sess.id, s.opts.SampleSize)
	report.FileName = sess.fileName
	report.Add(sess.issues...)
	report.Add(sess.rejected...)
	report.Add(assignmentIssues...)

	plan := *sess.plan
	plan.AllowUnlinked = s.opts.AllowUnlinked
	execErr := s.executor.Execute(ctx, &plan, report)
	report.Finish()

	status := StatusCompleted
	switch {
	case errors.Is(execErr, context.Canceled), errors.Is(execErr, context.DeadlineExceeded):
		status = StatusCancelled
	case execErr != nil:
		status = StatusFailed
	}
	s.metrics.ObserveReport(status, report, time.Since(startTime))
	s.saveImportLog(ctx, report, status)

	log.Info("Import END",
		"status", status,
		"orgsCreated", report.Organizations.Created, "orgsUpdated", report.Organizations.Updated,
		"activitiesCreated", report.Activities.Created, "activitiesUpdated", report.Activities.Updated,
		"transactionsCreated", report.Transactions.Created, "transactionsDuplicate", report.Transactions.SkippedDuplicates,
		"transactionsSkipped", report.Transactions.Skipped, "transactionsFailed", report.Transactions.Failed,
		"duration", time.Since(startTime))

	if execErr != nil {
		return report, fmt.Errorf("%w: %w", ErrImportFailed, execErr)
	}
	return report, nil
}

func (s *importServiceImpl) saveImportLog(ctx context.Context, report *models.ImportReport, status string) {
	entry := models.ImportLog{
		RunID:                report.RunID,
		FileName:             report.FileName,
		Status:               status,
		OrganizationsCreated: report.Organizations.Created,
		ActivitiesCreated:    report.Activities.Created,
		TransactionsCreated:  report.Transactions.Created,
		ErrorCount:           len(report.Errors),
		WarningCount:         len(report.Warnings),
		Message:              report.Fatal,
	}
	if err := s.store.SaveImportLog(context.WithoutCancel(ctx), entry); err != nil {
		logger.FromContext(ctx).Warn("Failed to save import log", "error", err)
	}
}
