package processors

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/username/aims/backend/src/models"
	"github.com/username/aims/backend/src/utils"
)

// memoryLookup is an in-memory Lookup for tests.
type memoryLookup struct {
	orgs       []models.StoredOrganization
	activities []models.StoredActivity
}

func (m *memoryLookup) FindOrganizationByIdentifier(_ context.Context, identifier string) (*models.StoredOrganization, error) {
	for i := range m.orgs {
		if m.orgs[i].Identifier == identifier {
			return &m.orgs[i], nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryLookup) FindOrganizationByName(_ context.Context, name string) (*models.StoredOrganization, error) {
	for i := range m.orgs {
		if utils.NormalizeName(m.orgs[i].Name) == utils.NormalizeName(name) {
			return &m.orgs[i], nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryLookup) FindActivityByIdentifier(_ context.Context, identifier string) (*models.StoredActivity, error) {
	for i := range m.activities {
		if m.activities[i].Identifier == identifier {
			return &m.activities[i], nil
		}
	}
	return nil, models.ErrNotFound
}

func (m *memoryLookup) FindActivityByID(_ context.Context, id int64) (*models.StoredActivity, error) {
	for i := range m.activities {
		if m.activities[i].ID == id {
			return &m.activities[i], nil
		}
	}
	return nil, models.ErrNotFound
}

// mockLookup is a testify mock for failure paths.
type mockLookup struct {
	mock.Mock
}

func (m *mockLookup) FindOrganizationByIdentifier(ctx context.Context, identifier string) (*models.StoredOrganization, error) {
	args := m.Called(ctx, identifier)
	org, _ := args.Get(0).(*models.StoredOrganization)
	return org, args.Error(1)
}

func (m *mockLookup) FindOrganizationByName(ctx context.Context, name string) (*models.StoredOrganization, error) {
	args := m.Called(ctx, name)
	org, _ := args.Get(0).(*models.StoredOrganization)
	return org, args.Error(1)
}

func (m *mockLookup) FindActivityByIdentifier(ctx context.Context, identifier string) (*models.StoredActivity, error) {
	args := m.Called(ctx, identifier)
	a, _ := args.Get(0).(*models.StoredActivity)
	return a, args.Error(1)
}

func (m *mockLookup) FindActivityByID(ctx context.Context, id int64) (*models.StoredActivity, error) {
	args := m.Called(ctx, id)
	a, _ := args.Get(0).(*models.StoredActivity)
	return a, args.Error(1)
}
