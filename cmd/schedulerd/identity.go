package main

import (
	"context"

	"github.com/basket/schedulercore/internal/controlplane"
	"github.com/basket/schedulercore/internal/storage"
)

// identityStore adapts *storage.Store's sqlite-backed WorkerInstance rows
// onto controlplane.WorkerIdentityStore's wire-independent shape, so
// internal/controlplane never imports the storage package directly.
type identityStore struct {
	store *storage.Store
}

func (a identityStore) UpsertWorkerInstance(ctx context.Context, wi controlplane.StoredWorkerInstance) error {
	return a.store.UpsertWorkerInstance(ctx, storage.WorkerInstance{
		WorkerInstanceID: wi.WorkerInstanceID,
		WorkerName:       wi.WorkerName,
		Tenant:           wi.Tenant,
		SessionID:        wi.SessionID,
		SessionToken:     wi.SessionToken,
		UpdatedAt:        wi.UpdatedAt,
	})
}

func (a identityStore) GetWorkerInstanceBySession(ctx context.Context, sessionID string) (controlplane.StoredWorkerInstance, bool, error) {
	wi, ok, err := a.store.GetWorkerInstanceBySession(ctx, sessionID)
	if err != nil || !ok {
		return controlplane.StoredWorkerInstance{}, ok, err
	}
	return controlplane.StoredWorkerInstance{
		WorkerInstanceID: wi.WorkerInstanceID,
		WorkerName:       wi.WorkerName,
		Tenant:           wi.Tenant,
		SessionID:        wi.SessionID,
		SessionToken:     wi.SessionToken,
		UpdatedAt:        wi.UpdatedAt,
	}, true, nil
}

func (a identityStore) DeleteWorkerInstance(ctx context.Context, workerInstanceID string) error {
	return a.store.DeleteWorkerInstance(ctx, workerInstanceID)
}
