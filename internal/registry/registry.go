// Package registry answers existence and authorization questions about
// institutional modules. The broader institutional schemas live elsewhere;
// the pipeline only needs to know whether a module exists and whether a
// caller may attach files to it.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/tutorverse/ingest-platform/pkg/errors"
	"github.com/tutorverse/ingest-platform/pkg/postgres"
)

// Module is the slice of a course module the pipeline cares about.
type Module struct {
	ID         string
	Title      string
	LecturerID string
}

// Registry looks up modules and checks upload authorization.
type Registry interface {
	GetModule(ctx context.Context, moduleID string) (*Module, error)
	Authorized(ctx context.Context, moduleID, userID string) (bool, error)
}

type pgRegistry struct {
	db *postgres.Client
}

// New creates a Registry backed by the institutional Postgres database.
func New(db *postgres.Client) Registry {
	return &pgRegistry{db: db}
}

func (r *pgRegistry) GetModule(ctx context.Context, moduleID string) (*Module, error) {
	var m Module
	err := r.db.DB.QueryRowContext(ctx,
		`SELECT id, title, lecturer_id FROM modules WHERE id = $1`, moduleID,
	).Scan(&m.ID, &m.Title, &m.LecturerID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperrors.ErrModuleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying module %s: %w", moduleID, err)
	}
	return &m, nil
}

// Authorized reports whether userID is the lecturer assigned to the module.
func (r *pgRegistry) Authorized(ctx context.Context, moduleID, userID string) (bool, error) {
	m, err := r.GetModule(ctx, moduleID)
	if err != nil {
		return false, err
	}
	return m.LecturerID == userID, nil
}

// MemoryRegistry is an in-memory Registry for tests.
type MemoryRegistry struct {
	Modules map[string]Module
}

// NewMemoryRegistry creates a MemoryRegistry preloaded with the given modules.
func NewMemoryRegistry(modules ...Module) *MemoryRegistry {
	m := &MemoryRegistry{Modules: make(map[string]Module, len(modules))}
	for _, mod := range modules {
		m.Modules[mod.ID] = mod
	}
	return m
}

func (m *MemoryRegistry) GetModule(_ context.Context, moduleID string) (*Module, error) {
	mod, ok := m.Modules[moduleID]
	if !ok {
		return nil, apperrors.ErrModuleNotFound
	}
	return &mod, nil
}

func (m *MemoryRegistry) Authorized(ctx context.Context, moduleID, userID string) (bool, error) {
	mod, err := m.GetModule(ctx, moduleID)
	if err != nil {
		return false, err
	}
	return mod.LecturerID == userID, nil
}
