// Package storage persists SomeModel rows and fires lifecycle hooks around
// writes. It is the model-change producer that feeds the bus.
package storage

import (
	"context"
	"errors"
	"fmt"

	"subscription-service/domain"
)

var ErrNotFound = errors.New("model not found")

// Backend is a raw store without side effects.
type Backend interface {
	Create(ctx context.Context, name string) (*domain.SomeModel, error)
	Get(ctx context.Context, id int64) (*domain.SomeModel, error)
	Update(ctx context.Context, id int64, name string) (*domain.SomeModel, error)
	Delete(ctx context.Context, id int64) error
	Close() error
}

// Hooks observe successful writes.
type Hooks interface {
	AfterCreate(ctx context.Context, m domain.Model)
	AfterUpdate(ctx context.Context, m domain.Model)
	BeforeDelete(ctx context.Context, m domain.Model)
}

// Repository wraps a Backend and notifies Hooks about every change.
type Repository struct {
	base  Backend
	hooks Hooks
}

// NewRepository creates a hook-firing repository. hooks may be nil.
func NewRepository(base Backend, hooks Hooks) *Repository {
	if base == nil {
		panic("storage.NewRepository: base backend is nil")
	}
	return &Repository{base: base, hooks: hooks}
}

func (r *Repository) Create(ctx context.Context, name string) (*domain.SomeModel, error) {
	m, err := r.base.Create(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("create: %w", err)
	}
	if r.hooks != nil {
		r.hooks.AfterCreate(ctx, m)
	}
	return m, nil
}

func (r *Repository) Get(ctx context.Context, id int64) (*domain.SomeModel, error) {
	return r.base.Get(ctx, id)
}

func (r *Repository) Update(ctx context.Context, id int64, name string) (*domain.SomeModel, error) {
	m, err := r.base.Update(ctx, id, name)
	if err != nil {
		return nil, fmt.Errorf("update %d: %w", id, err)
	}
	if r.hooks != nil {
		r.hooks.AfterUpdate(ctx, m)
	}
	return m, nil
}

// Delete fires BeforeDelete with the current row, then removes it.
func (r *Repository) Delete(ctx context.Context, id int64) (*domain.SomeModel, error) {
	m, err := r.base.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("delete %d: %w", id, err)
	}
	if r.hooks != nil {
		r.hooks.BeforeDelete(ctx, m)
	}
	if err := r.base.Delete(ctx, id); err != nil {
		return nil, fmt.Errorf("delete %d: %w", id, err)
	}
	return m, nil
}

func (r *Repository) Close() error {
	return r.base.Close()
}
