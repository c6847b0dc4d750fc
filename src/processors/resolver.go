package processors

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/username/aims/backend/src/logger"
	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// OrganizationSet groups every organisation a document mentions by identity.
type OrganizationSet struct {
	Organizations []*models.ParsedOrganization
	byKey         map[string]*models.ParsedOrganization
	aliases       map[string]string
}

// CollectOrganizations gathers top-level organisation records, reporting
// and participating organisations, and transaction provider/receiver
// references. Records with the same key are merged, later non-empty fields
// winning. A name-only reference whose name matches an identified organisation
// in the same file is an alias of it.
func CollectOrganizations(doc *models.Document) *OrganizationSet {
	set := &OrganizationSet{
		byKey:   make(map[string]*models.ParsedOrganization),
		aliases: make(map[string]string),
	}
	for _, org := range doc.Organizations {
		set.add(org)
	}
	for _, a := range doc.Activities {
		if a.ReportingOrg != nil {
			set.add(a.ReportingOrg.Organization("reporting-org"))
		}
		for _, p := range a.Participants {
			set.add(p.Organization("participating-org"))
		}
		for _, tx := range a.Transactions {
			for _, ref := range tx.Organizations() {
				set.add(ref.Organization(string(ref.Role) + "-org"))
			}
		}
	}
	for _, tx := range doc.RootTransactions {
		for _, ref := range tx.Organizations() {
			set.add(ref.Organization(string(ref.Role) + "-org"))
		}
	}
	set.linkNameAliases()
	return set
}

func (s *OrganizationSet) add(org *models.ParsedOrganization) {
	if org.Identifier == "" && org.Name == "" {
		return
	}
	key := org.Key()
	if existing, ok := s.byKey[key]; ok {
		mergeOrganization(existing, org)
		return
	}
	clone := *org
	s.byKey[key] = &clone
	s.Organizations = append(s.Organizations, &clone)
}

func (s *OrganizationSet) linkNameAliases() {
	identifiedByName := make(map[string]string)
	for _, org := range s.Organizations {
		if org.Identifier != "" && org.Name != "" {
			if _, taken := identifiedByName[utils.NormalizeName(org.Name)]; !taken {
				identifiedByName[utils.NormalizeName(org.Name)] = org.Key()
			}
		}
	}
	kept := s.Organizations[:0]
	for _, org := range s.Organizations {
		if org.Identifier == "" {
			if target, ok := identifiedByName[utils.NormalizeName(org.Name)]; ok {
				s.aliases[org.Key()] = target
				mergeOrganization(s.byKey[target], org)
				delete(s.byKey, org.Key())
				continue
			}
		}
		kept = append(kept, org)
	}
	s.Organizations = kept
}

// Canonical maps any reference key to the key of the organisation it belongs to.
func (s *OrganizationSet) Canonical(key string) string {
	if target, ok := s.aliases[key]; ok {
		return target
	}
	return key
}

func mergeOrganization(into, later *models.ParsedOrganization) {
	if later.Identifier != "" {
		into.Identifier = later.Identifier
	}
	if later.Name != "" {
		into.Name = later.Name
	}
	if later.TypeCode != "" {
		into.TypeCode = later.TypeCode
	}
	if later.CountryCode != "" {
		into.CountryCode = later.CountryCode
	}
}

// Resolution is the resolver's create/update/skip plan for a run.
type Resolution struct {
	Organizations []*models.OrganizationDecision
	Activities    []*models.ActivityDecision
	Issues        []models.Issue

	set   *OrganizationSet
	byKey map[string]*models.OrganizationDecision
}

// Organization finds the decision for an organisation reference.
func (r *Resolution) Organization(ref models.OrgReference) (*models.OrganizationDecision, bool) {
	if ref.IsEmpty() {
		return nil, false
	}
	key := ref.Key()
	if r.set != nil {
		key = r.set.Canonical(key)
	}
	d, ok := r.byKey[key]
	return d, ok
}

// Activity finds the decision for an activity identifier.
func (r *Resolution) Activity(identifier string) (*models.ActivityDecision, bool) {
	for _, d := range r.Activities {
		if d.Activity.Identifier == identifier {
			return d, true
		}
	}
	return nil, false
}

// Counts tallies planned actions per entity kind.
func (r *Resolution) Counts() (orgs, activities map[models.Action]int) {
	orgs = make(map[models.Action]int)
	activities = make(map[models.Action]int)
	for _, d := range r.Organizations {
		orgs[d.Action]++
	}
	for _, d := range r.Activities {
		activities[d.Action]++
	}
	return orgs, activities
}

// Resolver matches parsed organisations and activities against the store.
type Resolver struct {
	lookup Lookup
}

func NewResolver(lookup Lookup) *Resolver {
	return &Resolver{lookup: lookup}
}

// Resolve decides create, update or skip for each organisation and activity.
// Lookup failures other than not-found abort the resolution.
func (r *Resolver) Resolve(ctx context.Context, doc *models.Document, set *OrganizationSet, validation *ValidationResult) (*Resolution, error) {
	startTime := time.Now()
	res := &Resolution{set: set, byKey: make(map[string]*models.OrganizationDecision)}
	byExisting := make(map[int64]*models.OrganizationDecision)

	for _, org := range set.Organizations {
		key := org.Key()
		existing, err := r.findOrganization(ctx, org)
		if err != nil {
			return nil, err
		}

		if existing != nil {
			if d, ok := byExisting[existing.ID]; ok {
				// Same stored record: last writer wins on conflicting fields.
				mergeOrganization(&d.Organization, org)
				d.Aliases = append(d.Aliases, key)
				res.byKey[key] = d
				logger.FromContext(ctx).Debug("Merged organisations resolving to one record", "existingID", existing.ID, "key", key, "into", d.Key)
				continue
			}
			d := &models.OrganizationDecision{Key: key, Organization: *org, Action: models.ActionUpdate, ExistingID: existing.ID}
			res.Organizations = append(res.Organizations, d)
			res.byKey[key] = d
			byExisting[existing.ID] = d
			continue
		}

		d := &models.OrganizationDecision{Key: key, Organization: *org, Action: models.ActionCreate}
		if org.Name == "" {
			d.Action = models.ActionSkip
			res.Issues = append(res.Issues, models.Issue{
				Entity:    models.EntityOrganization,
				Reference: org.Label(),
				Severity:  models.SeverityWarning,
				Code:      models.CodeUnresolved,
				Message:   "organisation not found in the store and has no name to create it with; references to it are left empty",
			})
		}
		res.Organizations = append(res.Organizations, d)
		res.byKey[key] = d
	}

	for _, a := range doc.Activities {
		d := &models.ActivityDecision{Activity: a, Action: models.ActionCreate}
		existing, err := r.lookup.FindActivityByIdentifier(ctx, a.Identifier)
		switch {
		case err == nil:
			d.Action = models.ActionUpdate
			d.ExistingID = existing.ID
		case !errors.Is(err, models.ErrNotFound):
			return nil, fmt.Errorf("looking up activity %q: %w", a.Identifier, err)
		}
		if validation != nil && validation.BlockedActivities[a.Identifier] {
			d.Action = models.ActionSkip
		}
		res.Activities = append(res.Activities, d)
	}

	orgCounts, activityCounts := res.Counts()
	logger.FromContext(ctx).Info("Identifier resolution complete",
		"orgCreate", orgCounts[models.ActionCreate], "orgUpdate", orgCounts[models.ActionUpdate], "orgSkip", orgCounts[models.ActionSkip],
		"activityCreate", activityCounts[models.ActionCreate], "activityUpdate", activityCounts[models.ActionUpdate], "activitySkip", activityCounts[models.ActionSkip],
		"duration", time.Since(startTime))
	return res, nil
}

// findOrganization looks up by identifier first, then by name. A name match
// is rejected when the stored record carries a different identifier.
func (r *Resolver) findOrganization(ctx context.Context, org *models.ParsedOrganization) (*models.StoredOrganization, error) {
	if org.Identifier != "" {
		existing, err := r.lookup.FindOrganizationByIdentifier(ctx, org.Identifier)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, models.ErrNotFound) {
			return nil, fmt.Errorf("looking up organisation %q: %w", org.Identifier, err)
		}
	}
	if org.Name == "" {
		return nil, nil
	}
	existing, err := r.lookup.FindOrganizationByName(ctx, org.Name)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up organisation by name %q: %w", org.Name, err)
	}
	if org.Identifier != "" && existing.Identifier != "" && existing.Identifier != org.Identifier {
		return nil, nil
	}
	return existing, nil
}
