package router

import (
	"context"
	"database/sql"

	"github.com/planwise/planwise/internal/bulk"
	"github.com/planwise/planwise/internal/contact"
	"github.com/planwise/planwise/internal/registry"
)

// Replicated adapts the tenant registry and bulk pipeline to the Backend
// interface.
type Replicated struct {
	Registry *registry.Registry
	Pipeline *bulk.Pipeline
}

func (b Replicated) WithTenantDatabase(ctx context.Context, tenantID string, fn func(*sql.DB) error) error {
	return b.Registry.WithTenantDatabase(ctx, tenantID, fn)
}

func (b Replicated) BulkReplace(ctx context.Context, tenantID string, rows []contact.Row, policy bulk.Policy) (bulk.Result, error) {
	return b.Pipeline.Replace(ctx, tenantID, rows, policy)
}
