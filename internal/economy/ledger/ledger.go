// Package ledger applies economy transactions to player balances.
//
// Apply is safe to call from many goroutines and many nodes at once: each account is serialized locally,
// and the store's version compare-and-set arbitrates between nodes. A transaction's idempotency key is
// recorded atomically with the balance it produced, so replays are acknowledged without being applied.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/economy/cache"
	"github.com/huncho416/MythicPrisonCore/internal/economy/currency"
	"github.com/huncho416/MythicPrisonCore/internal/metrics"
	plog "github.com/huncho416/MythicPrisonCore/internal/persistence/log"
	"github.com/huncho416/MythicPrisonCore/internal/persistence/store"
)

type Account = store.Account

const (
	SourceMining   = "mining"
	SourceAdmin    = "admin"
	SourcePurchase = "purchase"
	SourceTransfer = "transfer"
)

var ErrInvalidTransaction = errors.New("invalid transaction")

type Transaction struct {
	Account        Account
	Delta          int64
	Source         string
	IdempotencyKey string
}

type Result struct {
	Balance int64
	Version uint64
	// Duplicate means the key had already been applied and nothing changed.
	Duplicate bool
}

type InsufficientFundsError struct {
	Account Account
	Balance int64
	Delta   int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: %s has %d, needs %d", e.Account.Key(), e.Balance, -e.Delta)
}

// ContentionError reports an account that kept losing compare-and-set races. It is transient.
type ContentionError struct {
	Account  Account
	Attempts int
}

func (e *ContentionError) Error() string {
	return fmt.Sprintf("account %s: gave up after %d conflicting writes", e.Account.Key(), e.Attempts)
}

func (e *ContentionError) Unwrap() error   { return store.ErrVersionConflict }
func (e *ContentionError) Transient() bool { return true }

// TopicBalanceChanged is the in-process event bus topic carrying BalanceChanged.
const TopicBalanceChanged = "ledger:balance_changed"

// BalanceChanged is published to in-process listeners after a transaction lands.
type BalanceChanged struct {
	Account Account
	Balance int64
	Version uint64
	Delta   int64
	Source  string
}

// TopicUnresolved carries an Unresolved for a transaction that still failed after the coordinator's
// retries.
const TopicUnresolved = "ledger:unresolved"

// Unresolved hands a failed transaction back to the host. Re-submitting Transaction unchanged is safe:
// its idempotency key keeps it from applying twice.
type Unresolved struct {
	Transaction Transaction
	Attempts    int
	Err         error
}

type Config struct {
	NodeID             string
	MaxConflictRetries int
}

type Ledger struct {
	cfg     Config
	cache   *cache.Layer
	store   store.Store
	journal *plog.Journal
	log     *zap.Logger
	metrics *metrics.Metrics
	locks   keyedMutex
}

func New(cfg Config, c *cache.Layer, st store.Store, j *plog.Journal, log *zap.Logger, m *metrics.Metrics) *Ledger {
	if cfg.MaxConflictRetries <= 0 {
		cfg.MaxConflictRetries = 8
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Ledger{
		cfg:     cfg,
		cache:   c,
		store:   st,
		journal: j,
		log:     log.Named("ledger"),
		metrics: m,
		locks:   keyedMutex{m: map[string]*lockEntry{}},
	}
}

func normalize(tx Transaction) (Transaction, error) {
	tx.Account.Currency = currency.Normalize(tx.Account.Currency)
	switch {
	case tx.Account.Player == "":
		return tx, fmt.Errorf("%w: empty player", ErrInvalidTransaction)
	case tx.IdempotencyKey == "":
		return tx, fmt.Errorf("%w: empty idempotency key", ErrInvalidTransaction)
	case !currency.Known(tx.Account.Currency):
		return tx, fmt.Errorf("%w: unknown currency %q", ErrInvalidTransaction, tx.Account.Currency)
	case tx.Delta == 0:
		return tx, fmt.Errorf("%w: zero delta", ErrInvalidTransaction)
	}
	if tx.Source == "" {
		tx.Source = SourceAdmin
	}
	return tx, nil
}

// Apply adds tx.Delta to the account once per idempotency key.
func (l *Ledger) Apply(ctx context.Context, tx Transaction) (Result, error) {
	start := time.Now()
	tx, err := normalize(tx)
	if err != nil {
		l.metrics.LedgerResult("invalid", time.Since(start))
		return Result{}, err
	}
	unlock := l.locks.lock(tx.Account.Key())
	defer unlock()

	res, err := l.apply(ctx, tx)
	outcome := "applied"
	var insufficient *InsufficientFundsError
	switch {
	case errors.As(err, &insufficient):
		outcome = "insufficient"
	case err != nil:
		outcome = "error"
	case res.Duplicate:
		outcome = "duplicate"
	}
	l.metrics.LedgerResult(outcome, time.Since(start))
	if err == nil {
		l.journal.WriteTx(plog.TxEntry{
			Time: time.Now().UTC(), Node: l.cfg.NodeID,
			Player: tx.Account.Player, Currency: tx.Account.Currency,
			Delta: tx.Delta, Source: tx.Source, Key: tx.IdempotencyKey,
			Balance: res.Balance, Version: res.Version, Duplicate: res.Duplicate,
		})
	}
	return res, err
}

func (l *Ledger) apply(ctx context.Context, tx Transaction) (Result, error) {
	acct := tx.Account
	attempts := l.cfg.MaxConflictRetries + 1
	fromStore := false
	for attempt := 0; attempt < attempts; attempt++ {
		applied, err := l.store.Applied(ctx, tx.IdempotencyKey)
		if err != nil {
			return Result{}, err
		}
		if applied {
			return l.duplicate(ctx, acct)
		}

		var cur cache.Entry
		if fromStore {
			cur, err = l.cache.Refresh(ctx, acct)
		} else {
			cur, err = l.cache.Get(ctx, acct)
		}
		if err != nil {
			return Result{}, err
		}

		next := cur.Balance + tx.Delta
		if tx.Delta > 0 && next < cur.Balance {
			return Result{}, fmt.Errorf("%w: balance overflow", ErrInvalidTransaction)
		}
		if next < 0 {
			if !fromStore {
				// a cached balance may lag; only refuse on what the store says
				fromStore = true
				continue
			}
			return Result{}, &InsufficientFundsError{Account: acct, Balance: cur.Balance, Delta: tx.Delta}
		}

		e, err := l.cache.Commit(ctx, acct, cur.Version, next, tx.IdempotencyKey)
		switch {
		case err == nil:
			return Result{Balance: e.Balance, Version: e.Version}, nil
		case errors.Is(err, store.ErrDuplicate):
			return l.duplicate(ctx, acct)
		case errors.Is(err, store.ErrVersionConflict):
			l.metrics.LedgerConflict()
			l.log.Debug("version conflict", zap.String("account", acct.Key()), zap.Uint64("version", cur.Version), zap.Int("attempt", attempt+1))
			fromStore = true
			continue
		default:
			return Result{}, err
		}
	}
	return Result{}, &ContentionError{Account: acct, Attempts: attempts}
}

func (l *Ledger) duplicate(ctx context.Context, acct Account) (Result, error) {
	e, err := l.cache.Refresh(ctx, acct)
	if err != nil {
		return Result{}, err
	}
	return Result{Balance: e.Balance, Version: e.Version, Duplicate: true}, nil
}

func (l *Ledger) GetBalance(ctx context.Context, acct Account) (int64, error) {
	e, err := l.Balance(ctx, acct)
	return e.Balance, err
}

// Balance returns the balance together with its version.
func (l *Ledger) Balance(ctx context.Context, acct Account) (cache.Entry, error) {
	acct.Currency = currency.Normalize(acct.Currency)
	if acct.Player == "" {
		return cache.Entry{}, fmt.Errorf("%w: empty player", ErrInvalidTransaction)
	}
	return l.cache.Get(ctx, acct)
}

// UnresolvedTransferError means the debit landed but the credit did not. Re-submitting the transfer with
// the same key completes it without debiting twice.
type UnresolvedTransferError struct {
	Key string
	Err error
}

func (e *UnresolvedTransferError) Error() string {
	return fmt.Sprintf("transfer %s debited but not credited: %v", e.Key, e.Err)
}

func (e *UnresolvedTransferError) Unwrap() error { return e.Err }

type TransferResult struct {
	From Result
	To   Result
}

// Transfer moves amount of one currency between two players.
func (l *Ledger) Transfer(ctx context.Context, from, to Account, amount int64, key string) (TransferResult, error) {
	from.Currency = currency.Normalize(from.Currency)
	to.Currency = currency.Normalize(to.Currency)
	switch {
	case amount <= 0:
		return TransferResult{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidTransaction)
	case from == to:
		return TransferResult{}, fmt.Errorf("%w: transfer to self", ErrInvalidTransaction)
	case from.Currency != to.Currency:
		return TransferResult{}, fmt.Errorf("%w: currency mismatch", ErrInvalidTransaction)
	case key == "":
		return TransferResult{}, fmt.Errorf("%w: empty idempotency key", ErrInvalidTransaction)
	}

	debit, err := l.Apply(ctx, Transaction{Account: from, Delta: -amount, Source: SourceTransfer, IdempotencyKey: key + ":debit"})
	if err != nil {
		return TransferResult{}, err
	}
	credit, err := l.Apply(ctx, Transaction{Account: to, Delta: amount, Source: SourceTransfer, IdempotencyKey: key + ":credit"})
	if err != nil {
		l.log.Error("transfer left unresolved", zap.String("key", key), zap.String("from", from.Key()), zap.String("to", to.Key()), zap.Error(err))
		return TransferResult{From: debit}, &UnresolvedTransferError{Key: key, Err: err}
	}
	return TransferResult{From: debit, To: credit}, nil
}
