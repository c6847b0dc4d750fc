package processors

import (
	"context"

	"github.com/username/aims/backend/src/models"
)

// Lookup is the authoritative read side of the store. Every method returns
// models.ErrNotFound when no record matches.
type Lookup interface {
	FindOrganizationByIdentifier(ctx context.Context, identifier string) (*models.StoredOrganization, error)
	// FindOrganizationByName matches on the normalized name.
	FindOrganizationByName(ctx context.Context, name string) (*models.StoredOrganization, error)
	FindActivityByIdentifier(ctx context.Context, identifier string) (*models.StoredActivity, error)
	FindActivityByID(ctx context.Context, id int64) (*models.StoredActivity, error)
}
