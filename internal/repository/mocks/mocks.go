package mocks

import (
	"context"

	"github.com/rpggio/activitylog/internal/domain/activity"
	"github.com/rpggio/activitylog/internal/repository"
	"github.com/stretchr/testify/mock"
)

// ActivityRepository is a mock for activity.Repository.
type ActivityRepository struct {
	mock.Mock
}

func (m *ActivityRepository) Insert(ctx context.Context, entry *activity.Entry) error {
	args := m.Called(ctx, entry)
	return args.Error(0)
}

func (m *ActivityRepository) List(ctx context.Context, opts activity.ListOptions) ([]activity.Entry, error) {
	args := m.Called(ctx, opts)
	if list, ok := args.Get(0).([]activity.Entry); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// DocumentStore is a mock for repository.DocumentStore. It also satisfies activity.ActorLookup.
type DocumentStore struct {
	mock.Mock
}

func (m *DocumentStore) Insert(ctx context.Context, entityType string, doc activity.Snapshot) (activity.Snapshot, error) {
	args := m.Called(ctx, entityType, doc)
	if snap, ok := args.Get(0).(activity.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DocumentStore) FindByID(ctx context.Context, entityType, id string) (activity.Snapshot, error) {
	args := m.Called(ctx, entityType, id)
	if snap, ok := args.Get(0).(activity.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DocumentStore) Update(ctx context.Context, entityType, id string, patch activity.Snapshot) (activity.Snapshot, error) {
	args := m.Called(ctx, entityType, id, patch)
	if snap, ok := args.Get(0).(activity.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DocumentStore) Replace(ctx context.Context, entityType, id string, doc activity.Snapshot) (activity.Snapshot, error) {
	args := m.Called(ctx, entityType, id, doc)
	if snap, ok := args.Get(0).(activity.Snapshot); ok {
		return snap, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *DocumentStore) Delete(ctx context.Context, entityType, id string) error {
	args := m.Called(ctx, entityType, id)
	return args.Error(0)
}

func (m *DocumentStore) List(ctx context.Context, entityType string, opts repository.ListDocumentsOptions) ([]activity.Snapshot, error) {
	args := m.Called(ctx, entityType, opts)
	if list, ok := args.Get(0).([]activity.Snapshot); ok {
		return list, args.Error(1)
	}
	return nil, args.Error(1)
}

// APIKeyRepository is a mock for repository.APIKeyRepository.
type APIKeyRepository struct {
	mock.Mock
}

func (m *APIKeyRepository) LookupPrincipal(ctx context.Context, keyHash string) (string, error) {
	args := m.Called(ctx, keyHash)
	return args.String(0), args.Error(1)
}

// Observer is a mock for activity.Observer.
type Observer struct {
	mock.Mock
}

func (m *Observer) ObserveRecord(action activity.Action, entityType string, status activity.Status) {
	m.Called(action, entityType, status)
}
