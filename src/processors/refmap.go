package processors

import (
	"context"
	"errors"
	"fmt"

	"github.com/username/aims/backend/src/models"
)

// ReferenceMap maps external activity identifiers to persisted ids or to
// placeholders awaiting creation. Entries are never removed, only upgraded
// from Pending to Resolved.
type ReferenceMap struct {
	entries map[string]models.ActivityRef
	order   []string
}

// BuildReferenceMap creates one entry per resolved activity: existing records
// map to their id, new ones to Pending(identifier).
func BuildReferenceMap(decisions []*models.ActivityDecision) *ReferenceMap {
	m := &ReferenceMap{entries: make(map[string]models.ActivityRef, len(decisions))}
	for _, d := range decisions {
		id := d.Activity.Identifier
		if d.ExistingID > 0 {
			m.put(id, models.ResolvedActivity(d.ExistingID))
		} else {
			m.put(id, models.PendingActivity(id))
		}
	}
	return m
}

func (m *ReferenceMap) put(identifier string, ref models.ActivityRef) {
	if _, ok := m.entries[identifier]; !ok {
		m.order = append(m.order, identifier)
	}
	m.entries[identifier] = ref
}

// Lookup returns the entry for an external identifier.
func (m *ReferenceMap) Lookup(identifier string) (models.ActivityRef, bool) {
	ref, ok := m.entries[identifier]
	return ref, ok
}

func (m *ReferenceMap) Len() int { return len(m.order) }

// Upgrade resolves a placeholder once its activity has been created.
func (m *ReferenceMap) Upgrade(identifier string, id int64) error {
	ref, ok := m.entries[identifier]
	if !ok {
		return fmt.Errorf("no reference map entry for activity %q", identifier)
	}
	if existing, resolved := ref.ID(); resolved {
		if existing != id {
			return fmt.Errorf("activity %q already resolved to %d, not %d", identifier, existing, id)
		}
		return nil
	}
	m.entries[identifier] = models.ResolvedActivity(id)
	return nil
}

// Pending lists identifiers still awaiting creation, in insertion order.
func (m *ReferenceMap) Pending() []string {
	var out []string
	for _, id := range m.order {
		if m.entries[id].IsPending() {
			out = append(out, id)
		}
	}
	return out
}

// AddExisting records a persisted activity that is not part of the file.
// Entries already present are left untouched.
func (m *ReferenceMap) AddExisting(identifier string, id int64) {
	if _, ok := m.entries[identifier]; ok {
		return
	}
	m.put(identifier, models.ResolvedActivity(id))
}

// ExtendFromStore adds entries for explicit transaction references that name
// activities absent from the file but present in the store.
func (m *ReferenceMap) ExtendFromStore(ctx context.Context, lookup Lookup, doc *models.Document) error {
	for _, tx := range doc.Transactions() {
		if tx.ActivityRef == "" {
			continue
		}
		if _, ok := m.entries[tx.ActivityRef]; ok {
			continue
		}
		existing, err := lookup.FindActivityByIdentifier(ctx, tx.ActivityRef)
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("looking up referenced activity %q: %w", tx.ActivityRef, err)
		}
		m.AddExisting(tx.ActivityRef, existing.ID)
	}
	return nil
}

// Clone copies the map so a review can be discarded without side effects.
func (m *ReferenceMap) Clone() *ReferenceMap {
	c := &ReferenceMap{entries: make(map[string]models.ActivityRef, len(m.entries)), order: append([]string(nil), m.order...)}
	for k, v := range m.entries {
		c.entries[k] = v
	}
	return c
}
