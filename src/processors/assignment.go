package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
)

// Target names the activity a reviewer picked, either by internal id or by
// external identifier.
type Target struct {
	ActivityID         int64  `json:"activity_id,omitempty"`
	ActivityIdentifier string `json:"activity_identifier,omitempty"`
}

func (t Target) String() string {
	if t.ActivityID > 0 {
		return fmt.Sprintf("activity id %d", t.ActivityID)
	}
	return fmt.Sprintf("activity %q", t.ActivityIdentifier)
}

// Assignment is a reviewer's decision for one unresolved transaction.
type Assignment struct {
	TransactionKey string `json:"transaction_key"`
	Target
	Skip bool `json:"skip,omitempty"`
}

// BulkAssignment applies to every transaction that is still unresolved once
// the individual assignments of the same request are in.
type BulkAssignment struct {
	Target
	Skip bool `json:"skip,omitempty"`
}

// AssignmentRequest carries individual assignments and an optional bulk rule.
type AssignmentRequest struct {
	Assignments []Assignment    `json:"assignments,omitempty"`
	Bulk        *BulkAssignment `json:"bulk,omitempty"`
}

// IsEmpty reports whether the request changes nothing.
func (r AssignmentRequest) IsEmpty() bool {
	return len(r.Assignments) == 0 && r.Bulk == nil
}

// AssignmentResolver applies manual overrides to unresolved link decisions.
// Linked decisions are never touched.
type AssignmentResolver struct {
	lookup Lookup
}

func NewAssignmentResolver(lookup Lookup) *AssignmentResolver {
	return &AssignmentResolver{lookup: lookup}
}

// Apply runs the request against links. Rejected assignments come back as
// issues; an error means the lookup collaborator failed.
func (r *AssignmentResolver) Apply(ctx context.Context, links *models.LinkSet, refs *ReferenceMap, req AssignmentRequest) ([]models.Issue, error) {
	var issues []models.Issue
	reject := func(txKey, msg string) {
		issues = append(issues, models.Issue{
			Entity:    models.EntityTransaction,
			Reference: txKey,
			Severity:  models.SeverityWarning,
			Code:      models.CodeAssignmentRejected,
			Message:   msg,
		})
	}

	applied := 0
	for _, a := range req.Assignments {
		d, ok := links.Get(a.TransactionKey)
		if !ok {
			reject(a.TransactionKey, "no such transaction awaiting assignment")
			continue
		}
		if a.Skip {
			if err := d.Skip(); err != nil {
				reject(a.TransactionKey, err.Error())
				continue
			}
			applied++
			continue
		}
		target, found, err := r.resolveTarget(ctx, refs, a.Target)
		if err != nil {
			return nil, err
		}
		if !found {
			reject(a.TransactionKey, fmt.Sprintf("assignment target %s does not exist", a.Target))
			continue
		}
		if err := d.Assign(target, models.SourceIndividual); err != nil {
			reject(a.TransactionKey, err.Error())
			continue
		}
		applied++
	}

	// Bulk runs last and only sees what the individual assignments left unresolved.
	if req.Bulk != nil {
		var target models.ActivityRef
		if !req.Bulk.Skip {
			var ok bool
			var err error
			target, ok, err = r.resolveTarget(ctx, refs, req.Bulk.Target)
			if err != nil {
				return nil, err
			}
			if !ok {
				reject("*", fmt.Sprintf("bulk assignment target %s does not exist", req.Bulk.Target))
			}
		}
		for _, d := range links.Unresolved() {
			if req.Bulk.Skip {
				_ = d.Skip()
				applied++
				continue
			}
			if target.Kind() == models.RefNone {
				break
			}
			if err := d.Assign(target, models.SourceBulk); err == nil {
				applied++
			}
		}
	}

	logger.FromContext(ctx).Info("Manual assignments applied",
		"applied", applied, "rejected", len(issues), "stillUnresolved", len(links.Unresolved()))
	return issues, nil
}

// resolveTarget turns a reviewer's choice into an activity reference. A
// choice by identifier may point at an activity pending creation in this run.
func (r *AssignmentResolver) resolveTarget(ctx context.Context, refs *ReferenceMap, t Target) (models.ActivityRef, bool, error) {
	switch {
	case t.ActivityID > 0:
		existing, err := r.lookup.FindActivityByID(ctx, t.ActivityID)
		if errors.Is(err, models.ErrNotFound) {
			return models.ActivityRef{}, false, nil
		}
		if err != nil {
			return models.ActivityRef{}, false, fmt.Errorf("looking up activity %d: %w", t.ActivityID, err)
		}
		return models.ResolvedActivity(existing.ID), true, nil
	case t.ActivityIdentifier != "":
		if ref, ok := refs.Lookup(t.ActivityIdentifier); ok {
			return ref, true, nil
		}
		existing, err := r.lookup.FindActivityByIdentifier(ctx, t.ActivityIdentifier)
		if errors.Is(err, models.ErrNotFound) {
			return models.ActivityRef{}, false, nil
		}
		if err != nil {
			return models.ActivityRef{}, false, fmt.Errorf("looking up activity %q: %w", t.ActivityIdentifier, err)
		}
		refs.AddExisting(t.ActivityIdentifier, existing.ID)
		return models.ResolvedActivity(existing.ID), true, nil
	default:
		return models.ActivityRef{}, false, nil
	}
}
