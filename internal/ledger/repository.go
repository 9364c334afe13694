package ledger

import (
	"context"
	"time"
)

// Repository persists device and account records keyed by id.
//
// Get* return (nil, nil) for missing records. Put* are compare-and-swap on
// Version: a record read with Version n is written only if the stored version
// is still n (0 means "must not exist yet"), after which the caller's Version
// is n+1. A lost race returns ErrVersionConflict and leaves storage unchanged.
type Repository interface {
	GetDevice(ctx context.Context, id string) (*Device, error)
	PutDevice(ctx context.Context, d *Device) error
	ListDevicesByFingerprint(ctx context.Context, hash string, firstSeenSince time.Time) ([]*Device, error)

	GetAccount(ctx context.Context, id string) (*Account, error)
	FindAccountByEmail(ctx context.Context, email string) (*Account, error)
	PutAccount(ctx context.Context, a *Account) error

	Ping(ctx context.Context) error
	Close() error
}
