// Package store defines the durable balance record store shared by every node of a cluster.
//
// Every mutation is a compare-and-set on the record version. The idempotency key of the transaction that
// produced a mutation is recorded in the same atomic step, so a replayed transaction can never be applied
// twice even when two nodes race.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrVersionConflict = errors.New("version conflict")
	ErrDuplicate       = errors.New("idempotency key already applied")
	ErrNegativeBalance = errors.New("balance must not be negative")
)

type unavailable struct{}

func (unavailable) Error() string   { return "store unavailable" }
func (unavailable) Transient() bool { return true }

// ErrUnavailable wraps every backend failure. It is transient: callers may retry.
var ErrUnavailable error = unavailable{}

// Unavailable wraps a backend error so errors.Is(err, ErrUnavailable) holds.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// Account identifies one balance: a player's holdings of one currency.
type Account struct {
	Player   string
	Currency string
}

// Key is the canonical storage key, "<currency>:<player>".
func (a Account) Key() string { return a.Currency + ":" + a.Player }

func (a Account) String() string { return a.Key() }

// ParseKey reverses Key.
func ParseKey(k string) (Account, error) {
	cur, player, ok := strings.Cut(k, ":")
	if !ok || cur == "" || player == "" {
		return Account{}, fmt.Errorf("bad account key %q", k)
	}
	return Account{Player: player, Currency: cur}, nil
}

// Record is the persisted balance. A never-written account reads as the zero Record at version 0.
type Record struct {
	Account   Account
	Balance   int64
	Version   uint64
	UpdatedAt time.Time
}

type Store interface {
	Get(ctx context.Context, acct Account) (Record, error)
	// CompareAndSet writes balance at expectedVersion+1 if the stored version still equals
	// expectedVersion, and records idemKey (when non-empty) in the same step.
	CompareAndSet(ctx context.Context, acct Account, expectedVersion uint64, balance int64, idemKey string) (Record, error)
	Applied(ctx context.Context, idemKey string) (bool, error)
	// PruneApplied forgets idempotency keys recorded before the cutoff.
	PruneApplied(ctx context.Context, before time.Time) (int, error)
	Close() error
}

func ValidateWrite(acct Account, balance int64) error {
	if acct.Player == "" || acct.Currency == "" {
		return fmt.Errorf("account %q: player and currency required", acct.Key())
	}
	if balance < 0 {
		return fmt.Errorf("account %s: %w", acct.Key(), ErrNegativeBalance)
	}
	return nil
}
