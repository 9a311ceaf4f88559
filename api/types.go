package api

import (
	"context"

	"task-manager/domain"
)

// Sessions abstracts the board registry for handlers.
type Sessions interface {
	Create() (string, *domain.Store, error)
	Get(id string) (*domain.Store, error)
	End(id string) bool
	Len() int
}

// Authenticator issues session tokens and resolves them back to session ids.
type Authenticator interface {
	Issue(sessionID string) (string, error)
	SessionIDFromAuthHeader(string) (string, error)
}

// Deduper prevents processing of duplicate task submissions.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, sessionID, key string) (bool, error)
	// Remove deletes a previously added key, used when the submission is rejected.
	Remove(ctx context.Context, sessionID, key string) error
}
