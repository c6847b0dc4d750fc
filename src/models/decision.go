package models

import (
	"encoding/json"
	"fmt"
)

// RefKind discriminates ActivityRef.
type RefKind int

const (
	RefNone RefKind = iota
	// RefPending points at an activity that exists only in the current file
	// and has not been created yet.
	RefPending
	// RefResolved points at a persisted activity.
	RefResolved
)

func (k RefKind) String() string {
	switch k {
	case RefNone:
		return "none"
	case RefPending:
		return "pending"
	case RefResolved:
		return "resolved"
	default:
		return fmt.Sprintf("RefKind(%d)", int(k))
	}
}

// ActivityRef is either Pending(externalID) or Resolved(internalID). The zero
// value is RefNone.
type ActivityRef struct {
	kind       RefKind
	externalID string
	id         int64
}

// PendingActivity builds a placeholder for an activity awaiting creation.
func PendingActivity(externalID string) ActivityRef {
	return ActivityRef{kind: RefPending, externalID: externalID}
}

// ResolvedActivity builds a reference to a persisted activity.
func ResolvedActivity(id int64) ActivityRef {
	return ActivityRef{kind: RefResolved, id: id}
}

func (r ActivityRef) Kind() RefKind      { return r.kind }
func (r ActivityRef) IsPending() bool    { return r.kind == RefPending }
func (r ActivityRef) IsResolved() bool   { return r.kind == RefResolved }
func (r ActivityRef) ExternalID() string { return r.externalID }

// ID returns the internal id; ok is false unless the reference is resolved.
func (r ActivityRef) ID() (int64, bool) {
	if r.kind != RefResolved {
		return 0, false
	}
	return r.id, true
}

func (r ActivityRef) String() string {
	switch r.kind {
	case RefPending:
		return "Pending(" + r.externalID + ")"
	case RefResolved:
		return fmt.Sprintf("Resolved(%d)", r.id)
	default:
		return "None"
	}
}

type activityRefJSON struct {
	Kind       string `json:"kind"`
	ExternalID string `json:"external_id,omitempty"`
	ID         int64  `json:"id,omitempty"`
}

func (r ActivityRef) MarshalJSON() ([]byte, error) {
	return json.Marshal(activityRefJSON{Kind: r.kind.String(), ExternalID: r.externalID, ID: r.id})
}

func (r *ActivityRef) UnmarshalJSON(data []byte) error {
	var raw activityRefJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch raw.Kind {
	case "pending":
		*r = PendingActivity(raw.ExternalID)
	case "resolved":
		*r = ResolvedActivity(raw.ID)
	case "none", "":
		*r = ActivityRef{}
	default:
		return fmt.Errorf("unknown activity reference kind %q", raw.Kind)
	}
	return nil
}

// Action is the resolver's verdict for an organisation or activity.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionSkip   Action = "skip"
)

// OrganizationDecision is the resolved plan for one organisation identity.
type OrganizationDecision struct {
	Key          string             `json:"key"`
	Organization ParsedOrganization `json:"organization"`
	Action       Action             `json:"action"`
	ExistingID   int64              `json:"existing_id,omitempty"`
	// Aliases are other run-local keys that resolved to this organisation.
	Aliases []string `json:"aliases,omitempty"`
}

// ActivityDecision is the resolved plan for one activity.
type ActivityDecision struct {
	Activity   *ParsedActivity `json:"activity"`
	Action     Action          `json:"action"`
	ExistingID int64           `json:"existing_id,omitempty"`
}

// LinkState is the state of a transaction's activity link.
type LinkState string

const (
	LinkUnresolved       LinkState = "unresolved"
	LinkLinked           LinkState = "linked"
	LinkManuallyAssigned LinkState = "manually_assigned"
	LinkSkipped          LinkState = "skipped"
)

// AssignmentSource records how a manual assignment was made.
type AssignmentSource string

const (
	SourceNone       AssignmentSource = ""
	SourceIndividual AssignmentSource = "individual"
	SourceBulk       AssignmentSource = "bulk"
)

// LinkDecision is the link outcome for a single transaction. Transitions only
// go forward: Unresolved to ManuallyAssigned or Skipped.
type LinkDecision struct {
	TransactionKey string           `json:"transaction_key"`
	State          LinkState        `json:"state"`
	Activity       ActivityRef      `json:"activity"`
	// Reference is the activity reference string the transaction carried.
	Reference string           `json:"reference,omitempty"`
	Source    AssignmentSource `json:"source,omitempty"`
}

func NewLinkedDecision(txKey, reference string, target ActivityRef) *LinkDecision {
	return &LinkDecision{TransactionKey: txKey, State: LinkLinked, Activity: target, Reference: reference}
}

func NewUnresolvedDecision(txKey, reference string) *LinkDecision {
	return &LinkDecision{TransactionKey: txKey, State: LinkUnresolved, Reference: reference}
}

// Assign applies a manual choice. An individual assignment replaces any earlier
// assignment; a bulk assignment never replaces an individual one.
func (d *LinkDecision) Assign(target ActivityRef, source AssignmentSource) error {
	if target.Kind() == RefNone {
		return fmt.Errorf("%w: empty assignment target", ErrInvalidTransition)
	}
	switch d.State {
	case LinkUnresolved:
	case LinkManuallyAssigned:
		if source == SourceBulk && d.Source == SourceIndividual {
			return nil
		}
	case LinkLinked, LinkSkipped:
		return fmt.Errorf("%w: cannot assign transaction %s in state %s", ErrInvalidTransition, d.TransactionKey, d.State)
	default:
		panic(fmt.Sprintf("unknown link state %q", d.State))
	}
	d.State = LinkManuallyAssigned
	d.Activity = target
	d.Source = source
	return nil
}

// Skip marks an unresolved transaction as deliberately not imported.
func (d *LinkDecision) Skip() error {
	switch d.State {
	case LinkUnresolved:
		d.State = LinkSkipped
		return nil
	case LinkSkipped:
		return nil
	case LinkLinked, LinkManuallyAssigned:
		return fmt.Errorf("%w: cannot skip transaction %s in state %s", ErrInvalidTransition, d.TransactionKey, d.State)
	default:
		panic(fmt.Sprintf("unknown link state %q", d.State))
	}
}

// Target returns the activity the transaction will be attached to, if any.
func (d *LinkDecision) Target() (ActivityRef, bool) {
	switch d.State {
	case LinkLinked, LinkManuallyAssigned:
		return d.Activity, true
	case LinkUnresolved, LinkSkipped:
		return ActivityRef{}, false
	default:
		panic(fmt.Sprintf("unknown link state %q", d.State))
	}
}

// Upgrade replaces a pending target with the created activity's id. The
// state is unchanged.
func (d *LinkDecision) Upgrade(externalID string, id int64) bool {
	if !d.Activity.IsPending() || d.Activity.ExternalID() != externalID {
		return false
	}
	d.Activity = ResolvedActivity(id)
	return true
}

// LinkSet holds the decisions of a run in transaction order.
type LinkSet struct {
	order     []string
	decisions map[string]*LinkDecision
}

func NewLinkSet() *LinkSet {
	return &LinkSet{decisions: make(map[string]*LinkDecision)}
}

// Put adds or replaces the decision for its transaction.
func (s *LinkSet) Put(d *LinkDecision) {
	if _, ok := s.decisions[d.TransactionKey]; !ok {
		s.order = append(s.order, d.TransactionKey)
	}
	s.decisions[d.TransactionKey] = d
}

func (s *LinkSet) Get(txKey string) (*LinkDecision, bool) {
	d, ok := s.decisions[txKey]
	return d, ok
}

func (s *LinkSet) Len() int { return len(s.order) }

// All returns the decisions in transaction order.
func (s *LinkSet) All() []*LinkDecision {
	out := make([]*LinkDecision, 0, len(s.order))
	for _, k := range s.order {
		out = append(out, s.decisions[k])
	}
	return out
}

// InState returns the decisions currently in the given state.
func (s *LinkSet) InState(state LinkState) []*LinkDecision {
	var out []*LinkDecision
	for _, k := range s.order {
		if d := s.decisions[k]; d.State == state {
			out = append(out, d)
		}
	}
	return out
}

// Unresolved is shorthand for InState(LinkUnresolved).
func (s *LinkSet) Unresolved() []*LinkDecision {
	return s.InState(LinkUnresolved)
}

// Clone deep-copies the set so a review can be discarded without side effects.
func (s *LinkSet) Clone() *LinkSet {
	c := NewLinkSet()
	for _, k := range s.order {
		d := *s.decisions[k]
		c.Put(&d)
	}
	return c
}
