// Package memrepo is the in-memory bundle.Repository used by tests and the
// -db memory development mode. Semantics match the postgres adapter:
// copies in, copies out, ErrVersionConflict on duplicate (unit, version),
// and InTx as a unit of work with rollback on error.
package memrepo

import (
	"context"
	"sort"
	"sync"

	"github.com/keithlinneman/lms-bundles/internal/bundle"
)

// Repository holds all bundles under one RWMutex.
type Repository struct {
	mu    sync.RWMutex
	table *table
}

func New() *Repository {
	return &Repository{table: newTable()}
}

func (r *Repository) Save(ctx context.Context, b *bundle.Bundle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.save(b)
}

func (r *Repository) FindByID(ctx context.Context, id string) (*bundle.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findByID(id)
}

func (r *Repository) FindByContentUnit(ctx context.Context, unitID string) ([]*bundle.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findByContentUnit(unitID), nil
}

func (r *Repository) FindActiveByContentUnit(ctx context.Context, unitID string) (*bundle.Bundle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.findActive(unitID)
}

func (r *Repository) GetNextVersion(ctx context.Context, unitID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.table.nextVersion(unitID), nil
}

func (r *Repository) DeactivateAllForContentUnit(ctx context.Context, unitID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.table.deactivateAll(unitID)
	return nil
}

func (r *Repository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.table.delete(id)
}

// InTx runs fn under the write lock against an unlocked view of the table.
// The table is snapshotted first and restored when fn fails, so a half-done
// activation pair never becomes visible.
func (r *Repository) InTx(ctx context.Context, fn func(bundle.Repository) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.table.clone()
	if err := fn(txView{r.table}); err != nil {
		r.table.rows = snapshot.rows
		return err
	}
	return nil
}

// txView exposes the table inside InTx without re-entering the lock.
type txView struct {
	table *table
}

func (v txView) Save(ctx context.Context, b *bundle.Bundle) error {
	return v.table.save(b)
}

func (v txView) FindByID(ctx context.Context, id string) (*bundle.Bundle, error) {
	return v.table.findByID(id)
}

func (v txView) FindByContentUnit(ctx context.Context, unitID string) ([]*bundle.Bundle, error) {
	return v.table.findByContentUnit(unitID), nil
}

func (v txView) FindActiveByContentUnit(ctx context.Context, unitID string) (*bundle.Bundle, error) {
	return v.table.findActive(unitID)
}

func (v txView) GetNextVersion(ctx context.Context, unitID string) (int, error) {
	return v.table.nextVersion(unitID), nil
}

func (v txView) DeactivateAllForContentUnit(ctx context.Context, unitID string) error {
	v.table.deactivateAll(unitID)
	return nil
}

func (v txView) Delete(ctx context.Context, id string) error {
	return v.table.delete(id)
}

// table is the unlocked core.
type table struct {
	rows map[string]*bundle.Bundle
}

func newTable() *table {
	return &table{rows: make(map[string]*bundle.Bundle)}
}

func (t *table) save(b *bundle.Bundle) error {
	for id, row := range t.rows {
		if id != b.ID && row.ContentUnit.ID == b.ContentUnit.ID && row.Version == b.Version {
			return bundle.ErrVersionConflict
		}
	}
	t.rows[b.ID] = cloneBundle(b)
	return nil
}

func (t *table) findByID(id string) (*bundle.Bundle, error) {
	row, ok := t.rows[id]
	if !ok {
		return nil, bundle.ErrNotFound
	}
	return cloneBundle(row), nil
}

func (t *table) findByContentUnit(unitID string) []*bundle.Bundle {
	var out []*bundle.Bundle
	for _, row := range t.rows {
		if row.ContentUnit.ID == unitID {
			out = append(out, cloneBundle(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version > out[j].Version })
	return out
}

func (t *table) findActive(unitID string) (*bundle.Bundle, error) {
	for _, row := range t.rows {
		if row.ContentUnit.ID == unitID && row.IsActive {
			return cloneBundle(row), nil
		}
	}
	return nil, bundle.ErrNotFound
}

func (t *table) nextVersion(unitID string) int {
	next := 1
	for _, row := range t.rows {
		if row.ContentUnit.ID == unitID && row.Version >= next {
			next = row.Version + 1
		}
	}
	return next
}

func (t *table) deactivateAll(unitID string) {
	for _, row := range t.rows {
		if row.ContentUnit.ID == unitID {
			row.IsActive = false
		}
	}
}

func (t *table) delete(id string) error {
	if _, ok := t.rows[id]; !ok {
		return bundle.ErrNotFound
	}
	delete(t.rows, id)
	return nil
}

func (t *table) clone() *table {
	cp := newTable()
	for id, row := range t.rows {
		cp.rows[id] = cloneBundle(row)
	}
	return cp
}

// cloneBundle copies the entity deeply enough that callers can mutate what
// they get back without reaching stored state.
func cloneBundle(b *bundle.Bundle) *bundle.Bundle {
	cp := *b
	if b.Manifest != nil {
		m := *b.Manifest
		m.Steps = append([]bundle.ManifestStep(nil), b.Manifest.Steps...)
		m.Capabilities = append([]string(nil), b.Manifest.Capabilities...)
		cp.Manifest = &m
	}
	return &cp
}
