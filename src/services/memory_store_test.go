package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// memoryStore is an in-memory Store honouring the same uniqueness rules as
// the SQLite store.
type memoryStore struct {
	mu           sync.Mutex
	nextID       int64
	orgs         map[int64]*models.StoredOrganization
	activities   map[int64]*models.StoredActivity
	participants map[int64][]models.Participant
	transactions map[string]models.TransactionWrite
	logs         []models.ImportLog

	// txActivity maps transaction keys to the activity id they were saved under.
	txActivity map[string]int64

	// failBatch makes the named batch ("organizations", "activities",
	// "transactions") fail as a whole.
	failBatch map[string]error
	// raceOrganizations and raceActivities are created by a concurrent run
	// just before this run's create reaches the store.
	raceOrganizations map[string]bool
	raceActivities    map[string]bool
	// onBatch is called before every batch with its name.
	onBatch func(name string)
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		orgs:              make(map[int64]*models.StoredOrganization),
		activities:        make(map[int64]*models.StoredActivity),
		participants:      make(map[int64][]models.Participant),
		transactions:      make(map[string]models.TransactionWrite),
		txActivity:        make(map[string]int64),
		failBatch:         make(map[string]error),
		raceOrganizations: make(map[string]bool),
		raceActivities:    make(map[string]bool),
	}
}

func (m *memoryStore) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *memoryStore) addOrganization(org models.StoredOrganization) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	org.ID = m.id()
	m.orgs[org.ID] = &org
	return org.ID
}

func (m *memoryStore) addActivity(identifier, title string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.id()
	m.activities[id] = &models.StoredActivity{ID: id, Identifier: identifier, Title: title}
	return id
}

func (m *memoryStore) counts() (orgs, activities, transactions int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.orgs), len(m.activities), len(m.transactions)
}

func (m *memoryStore) transactionsFor(activityID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, w := range m.transactions {
		if w.ActivityID == activityID {
			n++
		}
	}
	return n
}

func (m *memoryStore) FindOrganizationByIdentifier(_ context.Context, identifier string) (*models.StoredOrganization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orgs {
		if o.Identifier != "" && o.Identifier == identifier {
			c := *o
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryStore) FindOrganizationByName(_ context.Context, name string) (*models.StoredOrganization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *models.StoredOrganization
	for _, o := range m.orgs {
		if utils.NormalizeName(o.Name) == utils.NormalizeName(name) && (best == nil || o.ID < best.ID) {
			best = o
		}
	}
	if best == nil {
		return nil, models.ErrNotFound
	}
	c := *best
	return &c, nil
}

func (m *memoryStore) FindActivityByIdentifier(_ context.Context, identifier string) (*models.StoredActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.activities {
		if a.Identifier == identifier {
			c := *a
			return &c, nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryStore) FindActivityByID(_ context.Context, id int64) (*models.StoredActivity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.activities[id]; ok {
		c := *a
		return &c, nil
	}
	return nil, models.ErrNotFound
}

func (m *memoryStore) before(name string) error {
	if m.onBatch != nil {
		m.onBatch(name)
	}
	return m.failBatch[name]
}

func (m *memoryStore) orgTaken(org models.ParsedOrganization) bool {
	for _, o := range m.orgs {
		if org.Identifier != "" && o.Identifier == org.Identifier {
			return true
		}
		if org.Identifier == "" && o.Identifier == "" && utils.NormalizeName(o.Name) == utils.NormalizeName(org.Name) {
			return true
		}
	}
	return false
}

func (m *memoryStore) SaveOrganizations(_ context.Context, writes []models.OrganizationWrite) ([]models.WriteResult, error) {
	if err := m.before("organizations"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]models.WriteResult, len(writes))
	for i, w := range writes {
		org := w.Organization
		if w.ID == 0 {
			if m.raceOrganizations[org.Key()] {
				delete(m.raceOrganizations, org.Key())
				id := m.id()
				m.orgs[id] = &models.StoredOrganization{ID: id, Identifier: org.Identifier, Name: org.Name}
			}
			if m.orgTaken(org) {
				results[i] = models.WriteResult{Outcome: models.OutcomeConflict, Err: models.ErrPersistenceConflict}
				continue
			}
			id := m.id()
			m.orgs[id] = &models.StoredOrganization{ID: id, Identifier: org.Identifier, Name: org.Name, TypeCode: org.TypeCode, CountryCode: org.CountryCode}
			results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
			continue
		}
		stored, ok := m.orgs[w.ID]
		if !ok {
			results[i] = models.WriteResult{ID: w.ID, Outcome: models.OutcomeFailed, Err: models.ErrNotFound}
			continue
		}
		if stored.Identifier == "" {
			stored.Identifier = org.Identifier
		}
		if org.Name != "" {
			stored.Name = org.Name
		}
		if org.TypeCode != "" {
			stored.TypeCode = org.TypeCode
		}
		results[i] = models.WriteResult{ID: w.ID, Outcome: models.OutcomeUpdated}
	}
	return results, nil
}

func (m *memoryStore) SaveActivities(_ context.Context, writes []models.ActivityWrite) ([]models.WriteResult, error) {
	if err := m.before("activities"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]models.WriteResult, len(writes))
	for i, w := range writes {
		a := w.Activity
		id := w.ID
		if id == 0 {
			if m.raceActivities[a.Identifier] {
				delete(m.raceActivities, a.Identifier)
				rid := m.id()
				m.activities[rid] = &models.StoredActivity{ID: rid, Identifier: a.Identifier, Title: "created elsewhere"}
			}
			taken := false
			for _, stored := range m.activities {
				if stored.Identifier == a.Identifier {
					taken = true
				}
			}
			if taken {
				results[i] = models.WriteResult{Outcome: models.OutcomeConflict, Err: models.ErrPersistenceConflict}
				continue
			}
			id = m.id()
			m.activities[id] = &models.StoredActivity{ID: id, Identifier: a.Identifier, Title: a.Title}
			results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
		} else {
			stored, ok := m.activities[id]
			if !ok {
				results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeFailed, Err: models.ErrNotFound}
				continue
			}
			if a.Title != "" {
				stored.Title = a.Title
			}
			results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeUpdated}
		}
		m.participants[id] = append(m.participants[id], w.Participants...)
	}
	return results, nil
}

func (m *memoryStore) SaveTransactions(_ context.Context, writes []models.TransactionWrite) ([]models.WriteResult, error) {
	if err := m.before("transactions"); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	results := make([]models.WriteResult, len(writes))
	for i, w := range writes {
		if w.ActivityID != 0 {
			if _, ok := m.activities[w.ActivityID]; !ok {
				results[i] = models.WriteResult{Outcome: models.OutcomeFailed, Err: fmt.Errorf("%w: activity %d", models.ErrDependencyFailed, w.ActivityID)}
				continue
			}
		}
		if _, dup := m.transactions[w.DedupKey]; dup {
			results[i] = models.WriteResult{Outcome: models.OutcomeDuplicate}
			continue
		}
		id := m.id()
		m.transactions[w.DedupKey] = w
		m.txActivity[w.Transaction.Key] = w.ActivityID
		results[i] = models.WriteResult{ID: id, Outcome: models.OutcomeCreated}
	}
	return results, nil
}

func (m *memoryStore) SaveImportLog(_ context.Context, log models.ImportLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}
