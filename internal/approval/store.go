package approval

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/codex-k8s/approval-gate/internal/filestore"
	"github.com/codex-k8s/approval-gate/internal/timeutil"
)

// Sentinel errors returned by the store.
var (
	ErrNotFound = errors.New("no such pending approval")
	ErrForgery  = errors.New("approval signature mismatch")
)

// DefaultTTL is the expiry window for tool-call approvals.
const DefaultTTL = 5 * time.Minute

// Store is the pending/approved tool-call approval store.
type Store struct {
	file   *filestore.File
	signer *Signer
	ttl    time.Duration
	now    func() time.Time
	random io.Reader
}

// Option customizes a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRandom overrides the code randomness source.
func WithRandom(r io.Reader) Option {
	return func(s *Store) { s.random = r }
}

// NewStore returns a store over file signed by signer.
func NewStore(file *filestore.File, signer *Signer, ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{file: file, signer: signer, ttl: ttl, now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the expiry window.
func (s *Store) TTL() time.Duration { return s.ttl }

// Signer returns the signer used for records.
func (s *Store) Signer() *Signer { return s.signer }

// Tx is a view of the document held under the store lock.
type Tx struct {
	store    *Store
	doc      *Document
	now      time.Time
	changed  bool
	consumed map[string]struct{}
}

// Update runs fn under the exclusive lock and persists any change. Changes
// are discarded when fn fails, except for ErrForgery: deleting a forged
// record must survive the failed call.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	var fnErr error
	err := filestore.Update(ctx, s.file, func(doc *Document) (bool, error) {
		tx := &Tx{store: s, doc: doc, now: s.now(), consumed: map[string]struct{}{}}
		fnErr = fn(tx)
		if fnErr != nil && !errors.Is(fnErr, ErrForgery) {
			return false, fnErr
		}
		if !tx.changed {
			return false, nil
		}
		tx.compact()
		return true, nil
	})
	if err != nil {
		return err
	}
	return fnErr
}

// View runs fn over a snapshot read under the shared lock. Changes are discarded.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	doc, err := filestore.View[Document](ctx, s.file)
	if err != nil {
		return err
	}
	return fn(&Tx{store: s, doc: &doc, now: s.now(), consumed: map[string]struct{}{}})
}

// Now returns the transaction time.
func (tx *Tx) Now() time.Time { return tx.now }

// Get returns the record at code and its verified state.
func (tx *Tx) Get(code string) (Record, State) {
	rec, ok := tx.doc.Approvals[code]
	if !ok {
		return Record{}, StateAbsent
	}
	return rec, Inspect(rec, tx.store.signer, tx.now)
}

// Each calls fn for every stored record in code order, including absent and forged ones.
func (tx *Tx) Each(fn func(rec Record, state State)) {
	codes := make([]string, 0, len(tx.doc.Approvals))
	for code := range tx.doc.Approvals {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	for _, code := range codes {
		rec := tx.doc.Approvals[code]
		fn(rec, Inspect(rec, tx.store.signer, tx.now))
	}
}

// Mint creates a signed pending record with a fresh code.
func (tx *Tx) Mint(server, tool, fingerprint string) (Record, error) {
	code, err := UniqueCode(tx.store.random, func(code string) bool {
		_, state := tx.Get(code)
		return state != StateAbsent
	})
	if err != nil {
		return Record{}, err
	}
	rec := Record{
		Code:      code,
		Server:    server,
		Tool:      tool,
		ArgsHash:  fingerprint,
		ExpiresAt: timeutil.ExpiresAt(tx.now, tx.store.ttl),
	}
	rec.PendingHMAC = tx.store.signer.Pending(rec.Claims())
	tx.put(code, rec)
	return rec, nil
}

// Promote adds the approved signature to a pending record. A forged record is
// deleted and ErrForgery returned; an absent one yields ErrNotFound.
func (tx *Tx) Promote(code string) (Record, error) {
	rec, state := tx.Get(code)
	switch state {
	case StateAbsent:
		return Record{}, ErrNotFound
	case StateForged:
		tx.Delete(code)
		return Record{}, ErrForgery
	case StateApproved:
		return rec, nil
	}
	rec.ApprovedHMAC = tx.store.signer.Approved(rec.PendingHMAC)
	tx.put(code, rec)
	return rec, nil
}

// Consume overwrites the record with the empty sentinel.
func (tx *Tx) Consume(code string) {
	tx.put(code, Record{})
	tx.consumed[code] = struct{}{}
}

// Delete removes the record.
func (tx *Tx) Delete(code string) {
	if _, ok := tx.doc.Approvals[code]; !ok {
		return
	}
	delete(tx.doc.Approvals, code)
	tx.changed = true
}

func (tx *Tx) put(code string, rec Record) {
	if tx.doc.Approvals == nil {
		tx.doc.Approvals = map[string]Record{}
	}
	tx.doc.Approvals[code] = rec
	tx.changed = true
}

// compact drops records that were already empty or expired before this
// transaction. Records consumed now stay as sentinels until the next write.
func (tx *Tx) compact() {
	for code, rec := range tx.doc.Approvals {
		if _, ok := tx.consumed[code]; ok {
			continue
		}
		if IsEmpty(rec) || timeutil.Expired(rec.ExpiresAt, tx.now) {
			delete(tx.doc.Approvals, code)
		}
	}
}

// Create mints a pending approval and returns it.
func (s *Store) Create(ctx context.Context, server, tool, fingerprint string) (Record, error) {
	var rec Record
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Mint(server, tool, fingerprint)
		return err
	})
	if err != nil {
		return Record{}, fmt.Errorf("create approval: %w", err)
	}
	return rec, nil
}

// Get returns the active record at code. Expired and empty records yield ErrNotFound.
func (s *Store) Get(ctx context.Context, code string) (Record, State, error) {
	var (
		rec   Record
		state State
	)
	err := s.View(ctx, func(tx *Tx) error {
		rec, state = tx.Get(code)
		return nil
	})
	if err != nil {
		return Record{}, StateAbsent, err
	}
	if state == StateAbsent {
		return Record{}, StateAbsent, ErrNotFound
	}
	return rec, state, nil
}

// Consume invalidates an approved record. It reports false when code has no
// approved record.
func (s *Store) Consume(ctx context.Context, code string) (bool, error) {
	consumed := false
	err := s.Update(ctx, func(tx *Tx) error {
		_, state := tx.Get(code)
		switch state {
		case StateApproved:
			tx.Consume(code)
			consumed = true
		case StateForged:
			tx.Delete(code)
			return ErrForgery
		}
		return nil
	})
	return consumed, err
}
