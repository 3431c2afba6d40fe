package storage

import (
	"context"
	"errors"

	"github.com/example/av-fleet/internal/models"
)

// Sentinel results of document-level operations. Callers branch on these
// to decide votes and idempotent replays, so they must survive wrapping.
var (
	ErrNotFound      = errors.New("ride not found")
	ErrAlreadyExists = errors.New("ride already exists")
	ErrAlreadyLocked = errors.New("ride already locked")
	ErrWrongTx       = errors.New("transaction id mismatch")
	ErrUnavailable   = errors.New("store unavailable")
	ErrStateConflict = errors.New("transaction state conflict")
)

// RideStore is the total interface to one region's document store. Every
// operation is atomic at the document level; Lock is a compare-and-set
// that succeeds only when the ride is currently unlocked, which is what
// serializes concurrent handoffs of the same ride.
type RideStore interface {
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	InsertRide(ctx context.Context, r *models.Ride) error
	// DeleteRide removes the ride only when its transactionId matches
	// txID. Plain CRUD deletes pass an empty txID, which matches only
	// unlocked documents.
	DeleteRide(ctx context.Context, id, txID string) error
	UpdateRide(ctx context.Context, id string, upd models.RideUpdate) (*models.Ride, error)
	Lock(ctx context.Context, id, txID string) error
	Unlock(ctx context.Context, id, txID string) error
	Finalize(ctx context.Context, id, txID string) error
	// FindByTx returns the ride currently claimed by txID, if any.
	FindByTx(ctx context.Context, txID string) (*models.Ride, error)
	List(ctx context.Context, f models.RideFilter) ([]models.Ride, error)
	Stats(ctx context.Context) (models.RegionalStats, error)
	Health(ctx context.Context) (models.HealthInfo, error)
}

// TxLog is the coordinator's durable append-only transaction record store.
// Append is idempotent on txId and enforces the monotone state machine;
// a write that would regress a terminal record fails with
// ErrStateConflict.
type TxLog interface {
	Append(ctx context.Context, rec *models.TxRecord) error
	Get(ctx context.Context, txID string) (*models.TxRecord, error)
	Scan(ctx context.Context, states ...models.TxState) ([]models.TxRecord, error)
	Recent(ctx context.Context, limit int) ([]models.TxRecord, error)
}
