package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/processors"
)

// Plan is everything the executor needs for one run.
type Plan struct {
	Document   *models.Document
	Resolution *processors.Resolution
	References *processors.ReferenceMap
	Links      *models.LinkSet
	// Blocked holds the keys of transactions excluded by validation errors.
	Blocked map[string]bool
	// AllowUnlinked imports unresolved transactions without an activity.
	AllowUnlinked bool
}

// Executor persists a plan in strict phase order: organisations, activities,
// link rewrite, transactions.
type Executor struct {
	store        Store
	transactions *processors.TransactionProcessor
}

func NewExecutor(store Store, transactions *processors.TransactionProcessor) *Executor {
	return &Executor{store: store, transactions: transactions}
}

type phase struct {
	name string
	run  func(context.Context, *execution) error
}

// execution is the mutable state of one Execute call.
type execution struct {
	plan   *Plan
	report *models.ImportReport
	log    *slog.Logger

	orgIDs           map[*models.OrganizationDecision]int64
	orgFailures      map[*models.OrganizationDecision]string
	activityFailures map[string]string
}

// Execute runs the plan and fills report. Cancellation of ctx is honoured
// between phases only; a started phase always completes. A store failure
// aborts the remaining phases and is returned wrapped in
// models.ErrPersistenceFatal, with report holding what completed.
func (e *Executor) Execute(ctx context.Context, plan *Plan, report *models.ImportReport) error {
	run := &execution{
		plan:             plan,
		report:           report,
		log:              logger.FromContext(ctx),
		orgIDs:           make(map[*models.OrganizationDecision]int64),
		orgFailures:      make(map[*models.OrganizationDecision]string),
		activityFailures: make(map[string]string),
	}
	phases := []phase{
		{"organizations", e.saveOrganizations},
		{"activities", e.saveActivities},
		{"links", e.rewriteLinks},
		{"transactions", e.saveTransactions},
	}

	work := context.WithoutCancel(ctx)
	for _, p := range phases {
		if err := ctx.Err(); err != nil {
			msg := fmt.Sprintf("import cancelled before the %s phase", p.name)
			report.Add(models.Issue{Entity: models.EntityDocument, Reference: report.RunID, Severity: models.SeverityError, Code: models.CodeCancelled, Message: msg})
			report.Fatal = msg
			run.log.Warn("Import cancelled", "phase", p.name, "error", err)
			return fmt.Errorf("%s: %w", msg, err)
		}
		startTime := time.Now()
		if err := p.run(work, run); err != nil {
			report.Fatal = err.Error()
			run.log.Error("Import phase failed", "phase", p.name, "error", err)
			return fmt.Errorf("%w: %s phase: %w", models.ErrPersistenceFatal, p.name, err)
		}
		run.log.Info("Import phase complete", "phase", p.name, "duration", time.Since(startTime))
	}
	return nil
}

func (e *Executor) saveOrganizations(ctx context.Context, run *execution) error {
	counts := run.report.Counts(models.EntityOrganization)
	var decisions []*models.OrganizationDecision
	var writes []models.OrganizationWrite
	for _, d := range run.plan.Resolution.Organizations {
		switch d.Action {
		case models.ActionSkip:
			counts.Skipped++
		case models.ActionCreate, models.ActionUpdate:
			decisions = append(decisions, d)
			writes = append(writes, models.OrganizationWrite{ID: d.ExistingID, Organization: d.Organization})
		default:
			panic(fmt.Sprintf("unknown action %q", d.Action))
		}
	}
	if len(writes) == 0 {
		return nil
	}

	results, err := e.store.SaveOrganizations(ctx, writes)
	if err != nil {
		return err
	}

	var retryDecisions []*models.OrganizationDecision
	var retries []models.OrganizationWrite
	for i, r := range results {
		d := decisions[i]
		switch r.Outcome {
		case models.OutcomeCreated:
			counts.Created++
			run.orgIDs[d] = r.ID
			run.report.RecordCreated(models.CreatedRecord{Entity: models.EntityOrganization, ID: r.ID, Reference: d.Organization.Label()})
		case models.OutcomeUpdated:
			counts.Updated++
			run.orgIDs[d] = r.ID
		case models.OutcomeConflict:
			existing, err := e.findOrganization(ctx, d.Organization)
			if err != nil {
				return err
			}
			if existing == nil {
				run.failOrganization(d, "create conflicted with a record that could not be found")
				continue
			}
			retryDecisions = append(retryDecisions, d)
			retries = append(retries, models.OrganizationWrite{ID: existing.ID, Organization: d.Organization})
		case models.OutcomeFailed, models.OutcomeDuplicate:
			run.failOrganization(d, errMessage(r.Err))
		default:
			panic(fmt.Sprintf("unknown write outcome %q", r.Outcome))
		}
	}
	if len(retries) == 0 {
		return nil
	}

	results, err = e.store.SaveOrganizations(ctx, retries)
	if err != nil {
		return err
	}
	for i, r := range results {
		d := retryDecisions[i]
		if r.Outcome != models.OutcomeUpdated {
			run.failOrganization(d, "retry as update failed: "+errMessage(r.Err))
			continue
		}
		counts.Updated++
		run.orgIDs[d] = r.ID
		run.report.Add(models.Issue{
			Entity:    models.EntityOrganization,
			Reference: d.Organization.Label(),
			Severity:  models.SeverityWarning,
			Code:      models.CodeConflictRetried,
			Message:   fmt.Sprintf("created concurrently by another run; updated record %d instead", r.ID),
		})
	}
	return nil
}

func (e *Executor) findOrganization(ctx context.Context, org models.ParsedOrganization) (*models.StoredOrganization, error) {
	if org.Identifier != "" {
		existing, err := e.store.FindOrganizationByIdentifier(ctx, org.Identifier)
		if err == nil || !errors.Is(err, models.ErrNotFound) {
			return existing, err
		}
	}
	if org.Name == "" {
		return nil, nil
	}
	existing, err := e.store.FindOrganizationByName(ctx, org.Name)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	return existing, err
}

func (run *execution) failOrganization(d *models.OrganizationDecision, msg string) {
	run.report.Counts(models.EntityOrganization).Failed++
	run.orgFailures[d] = msg
	run.report.Add(models.Issue{
		Entity:    models.EntityOrganization,
		Reference: d.Organization.Label(),
		Severity:  models.SeverityError,
		Code:      models.CodePersistence,
		Message:   msg,
	})
	run.log.Warn("Organization not saved", "organization", d.Organization.Label(), "reason", msg)
}

// organizationID returns the stored id for a reference, or the reason its
// organisation failed. A zero id with no failure means the reference is not
// persisted, which is not an error.
func (run *execution) organizationID(ref *models.OrgReference) (int64, string) {
	if ref == nil || ref.IsEmpty() {
		return 0, ""
	}
	d, ok := run.plan.Resolution.Organization(*ref)
	if !ok {
		return 0, ""
	}
	if msg, failed := run.orgFailures[d]; failed {
		return 0, fmt.Sprintf("organisation %s failed: %s", ref.Label(), msg)
	}
	return run.orgIDs[d], ""
}

func (run *execution) participants(a *models.ParsedActivity) []models.Participant {
	refs := a.Participants
	if a.ReportingOrg != nil {
		reporting := *a.ReportingOrg
		reporting.Role = models.RoleReporting
		refs = append([]models.OrgReference{reporting}, refs...)
	}

	seen := make(map[models.Participant]bool)
	var out []models.Participant
	for i := range refs {
		id, failure := run.organizationID(&refs[i])
		if failure != "" {
			run.report.Add(models.Issue{
				Entity:    models.EntityActivity,
				Reference: a.Identifier,
				Severity:  models.SeverityWarning,
				Code:      models.CodeDependencyFailed,
				Field:     "participating-org",
				Message:   "participant dropped: " + failure,
			})
			continue
		}
		if id == 0 {
			continue
		}
		p := models.Participant{OrganizationID: id, Role: refs[i].Role}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func (e *Executor) saveActivities(ctx context.Context, run *execution) error {
	counts := run.report.Counts(models.EntityActivity)
	var decisions []*models.ActivityDecision
	var writes []models.ActivityWrite
	for _, d := range run.plan.Resolution.Activities {
		switch d.Action {
		case models.ActionSkip:
			// Validation errors for the activity are already in the report.
			counts.Failed++
			run.activityFailures[d.Activity.Identifier] = "was blocked by validation errors"
		case models.ActionCreate, models.ActionUpdate:
			decisions = append(decisions, d)
			writes = append(writes, models.ActivityWrite{ID: d.ExistingID, Activity: d.Activity, Participants: run.participants(d.Activity)})
		default:
			panic(fmt.Sprintf("unknown action %q", d.Action))
		}
	}
	if len(writes) == 0 {
		return nil
	}

	results, err := e.store.SaveActivities(ctx, writes)
	if err != nil {
		return err
	}

	var retryDecisions []*models.ActivityDecision
	var retries []models.ActivityWrite
	for i, r := range results {
		d := decisions[i]
		switch r.Outcome {
		case models.OutcomeCreated:
			counts.Created++
			run.resolveActivity(d, r.ID)
			run.report.RecordCreated(models.CreatedRecord{Entity: models.EntityActivity, ID: r.ID, Reference: d.Activity.Identifier})
		case models.OutcomeUpdated:
			counts.Updated++
			run.resolveActivity(d, r.ID)
		case models.OutcomeConflict:
			existing, err := e.store.FindActivityByIdentifier(ctx, d.Activity.Identifier)
			if errors.Is(err, models.ErrNotFound) {
				run.failActivity(d, "create conflicted with a record that could not be found")
				continue
			}
			if err != nil {
				return err
			}
			retryDecisions = append(retryDecisions, d)
			retries = append(retries, models.ActivityWrite{ID: existing.ID, Activity: d.Activity, Participants: writes[i].Participants})
		case models.OutcomeFailed, models.OutcomeDuplicate:
			run.failActivity(d, errMessage(r.Err))
		default:
			panic(fmt.Sprintf("unknown write outcome %q", r.Outcome))
		}
	}
	if len(retries) == 0 {
		return nil
	}

	results, err = e.store.SaveActivities(ctx, retries)
	if err != nil {
		return err
	}
	for i, r := range results {
		d := retryDecisions[i]
		if r.Outcome != models.OutcomeUpdated {
			run.failActivity(d, "retry as update failed: "+errMessage(r.Err))
			continue
		}
		counts.Updated++
		run.resolveActivity(d, r.ID)
		run.report.Add(models.Issue{
			Entity:    models.EntityActivity,
			Reference: d.Activity.Identifier,
			Severity:  models.SeverityWarning,
			Code:      models.CodeConflictRetried,
			Message:   fmt.Sprintf("created concurrently by another run; updated record %d instead", r.ID),
		})
	}
	return nil
}

func (run *execution) resolveActivity(d *models.ActivityDecision, id int64) {
	if err := run.plan.References.Upgrade(d.Activity.Identifier, id); err != nil {
		// The map already points elsewhere; transactions follow the map.
		run.log.Error("Reference map upgrade rejected", "activity", d.Activity.Identifier, "id", id, "error", err)
		run.report.Add(models.Issue{
			Entity:    models.EntityActivity,
			Reference: d.Activity.Identifier,
			Severity:  models.SeverityWarning,
			Code:      models.CodePersistence,
			Message:   err.Error(),
		})
	}
}

func (run *execution) failActivity(d *models.ActivityDecision, msg string) {
	run.report.Counts(models.EntityActivity).Failed++
	run.activityFailures[d.Activity.Identifier] = "failed: " + msg
	run.report.Add(models.Issue{
		Entity:    models.EntityActivity,
		Reference: d.Activity.Identifier,
		Severity:  models.SeverityError,
		Code:      models.CodePersistence,
		Message:   msg,
	})
	run.log.Warn("Activity not saved", "activity", d.Activity.Identifier, "reason", msg)
}

// rewriteLinks replaces every pending link target whose activity now has an
// id. Targets left pending belong to activities that were not saved.
func (e *Executor) rewriteLinks(_ context.Context, run *execution) error {
	upgraded, pending := 0, 0
	for _, d := range run.plan.Links.All() {
		target, ok := d.Target()
		if !ok || !target.IsPending() {
			continue
		}
		ref, found := run.plan.References.Lookup(target.ExternalID())
		if id, resolved := ref.ID(); found && resolved {
			d.Upgrade(target.ExternalID(), id)
			upgraded++
			continue
		}
		pending++
	}
	run.log.Info("Link placeholders rewritten", "upgraded", upgraded, "stillPending", pending)
	return nil
}

func (e *Executor) saveTransactions(ctx context.Context, run *execution) error {
	counts := run.report.Counts(models.EntityTransaction)
	var txs []*models.ParsedTransaction
	var writes []models.TransactionWrite

	for _, tx := range run.plan.Document.Transactions() {
		if run.plan.Blocked[tx.Key] {
			counts.Failed++
			continue
		}
		d, ok := run.plan.Links.Get(tx.Key)
		if !ok {
			run.failTransaction(tx, models.CodeDependencyFailed, "transaction was never linked")
			continue
		}

		var activityID int64
		switch d.State {
		case models.LinkUnresolved:
			if !run.plan.AllowUnlinked {
				counts.Skipped++
				run.warnTransaction(tx, models.CodeUnresolved, unresolvedMessage(d, "skipped"))
				continue
			}
			run.warnTransaction(tx, models.CodeUnresolved, unresolvedMessage(d, "imported without an activity"))
		case models.LinkSkipped:
			counts.Skipped++
			run.warnTransaction(tx, models.CodeUnresolved, "skipped by reviewer")
			continue
		case models.LinkLinked, models.LinkManuallyAssigned:
			target, _ := d.Target()
			id, resolved := target.ID()
			if !resolved {
				reason := run.activityFailures[target.ExternalID()]
				if reason == "" {
					reason = "was not saved"
				}
				run.failTransaction(tx, models.CodeDependencyFailed, fmt.Sprintf("activity %s %s", target.ExternalID(), reason))
				continue
			}
			activityID = id
		default:
			panic(fmt.Sprintf("unknown link state %q", d.State))
		}

		providerID, providerFailure := run.organizationID(tx.Provider)
		receiverID, receiverFailure := run.organizationID(tx.Receiver)
		if providerFailure != "" || receiverFailure != "" {
			run.failTransaction(tx, models.CodeDependencyFailed, joinNonEmpty(providerFailure, receiverFailure))
			continue
		}

		txs = append(txs, tx)
		writes = append(writes, models.TransactionWrite{
			ActivityID:    activityID,
			ProviderOrgID: providerID,
			ReceiverOrgID: receiverID,
			DedupKey:      e.transactions.DedupKey(activityID, tx),
			Transaction:   tx,
		})
	}
	if len(writes) == 0 {
		return nil
	}

	results, err := e.store.SaveTransactions(ctx, writes)
	if err != nil {
		return err
	}
	for i, r := range results {
		tx := txs[i]
		switch r.Outcome {
		case models.OutcomeCreated:
			counts.Created++
			run.report.RecordCreated(models.CreatedRecord{Entity: models.EntityTransaction, ID: r.ID, Reference: tx.Key, ActivityID: writes[i].ActivityID})
		case models.OutcomeDuplicate:
			counts.SkippedDuplicates++
		case models.OutcomeFailed, models.OutcomeConflict:
			code := models.CodePersistence
			if errors.Is(r.Err, models.ErrDependencyFailed) {
				code = models.CodeDependencyFailed
			}
			run.failTransaction(tx, code, errMessage(r.Err))
		case models.OutcomeUpdated:
			panic("transactions are never updated")
		default:
			panic(fmt.Sprintf("unknown write outcome %q", r.Outcome))
		}
	}
	return nil
}

func (run *execution) failTransaction(tx *models.ParsedTransaction, code, msg string) {
	run.report.Counts(models.EntityTransaction).Failed++
	run.report.Add(models.Issue{Entity: models.EntityTransaction, Reference: tx.Key, Severity: models.SeverityError, Code: code, Message: msg})
	run.log.Warn("Transaction not saved", "transaction", tx.Key, "reason", msg)
}

func (run *execution) warnTransaction(tx *models.ParsedTransaction, code, msg string) {
	run.report.Add(models.Issue{Entity: models.EntityTransaction, Reference: tx.Key, Severity: models.SeverityWarning, Code: code, Message: msg})
}

func unresolvedMessage(d *models.LinkDecision, outcome string) string {
	if d.Reference == "" {
		return "no activity reference; " + outcome
	}
	return fmt.Sprintf("activity reference %q could not be resolved; %s", d.Reference, outcome)
}

func errMessage(err error) string {
	if err == nil {
		return "unknown store failure"
	}
	return err.Error()
}

func joinNonEmpty(parts ...string) string {
	out := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		if out != "" {
			out += "; "
		}
		out += p
	}
	return out
}
