/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package postgres implements the kv.Store contract on PostgreSQL.
// Entries live in a single kv_entries table; the structured key is
// stored twice, as JSONB (key_path, the key of record) and as the
// core's order-preserving encoding (key_encoded, used for all range
// predicates). Versionstamps derive from a sequence read once per
// transaction. Eventual-consistency reads go to a read pool when one
// is configured; otherwise they are equivalent to strong reads.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scribeworks/codex/internal/kv"
)

// Compile-time interface check.
var _ kv.Store = (*Store)(nil)

// Config configures the relational backend.
type Config struct {
	// ConnString is the primary PostgreSQL connection URL. Required.
	ConnString string
	// ReadConnString points at a read replica for eventual reads.
	// Optional; empty means eventual reads use the primary.
	ReadConnString string
	// MaxConns caps the primary pool size. Zero keeps the pgx default.
	MaxConns int32
	// SkipMigrations disables schema migration on open.
	SkipMigrations bool
}

// Store is a PostgreSQL-backed kv.Store.
type Store struct {
	pool     *pgxpool.Pool
	readPool *pgxpool.Pool
	log      logr.Logger

	// legacyFallback is set when the legacy-key migration failed and
	// single-key reads should also try the pre-migration key forms.
	legacyFallback bool
}

// Open connects, migrates the schema, and runs the legacy-key
// migration if pre-structured rows are present.
func Open(ctx context.Context, cfg Config, log logr.Logger) (*Store, error) {
	if cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres: connection string is required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(pingCtx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: creating pool: %w", err)
	}
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping failed: %w", err)
	}

	s := &Store{pool: pool, log: log.WithName("kv-postgres")}

	if cfg.ReadConnString != "" {
		readCfg, err := pgxpool.ParseConfig(cfg.ReadConnString)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: parsing read connection string: %w", err)
		}
		readPool, err := pgxpool.NewWithConfig(pingCtx, readCfg)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres: creating read pool: %w", err)
		}
		s.readPool = readPool
	}

	if !cfg.SkipMigrations {
		if err := s.migrate(cfg.ConnString); err != nil {
			s.Close()
			return nil, err
		}
	}

	if err := s.migrateLegacyKeys(ctx); err != nil {
		// Legacy migration failures leave the live table untouched;
		// the store stays usable with legacy lookups as fallbacks.
		s.log.Error(err, "legacy key migration failed, continuing with fallback lookups")
		s.legacyFallback = true
	}

	return s, nil
}

func (s *Store) migrate(connString string) error {
	mg, err := NewMigrator(connString, s.log)
	if err != nil {
		return err
	}
	defer func() { _ = mg.Close() }()
	return mg.Up()
}

// readerFor selects the pool serving a read at the given consistency.
func (s *Store) readerFor(c kv.Consistency) *pgxpool.Pool {
	if c == kv.Eventual && s.readPool != nil {
		return s.readPool
	}
	return s.pool
}

const livePredicate = "(expires_at IS NULL OR expires_at > now())"

// Get returns the current entry for key, or nil if absent or expired.
func (s *Store) Get(ctx context.Context, key kv.Key) (*kv.Entry, error) {
	if len(key) == 0 {
		return nil, kv.ErrEmptyKey
	}
	enc, err := key.Encode()
	if err != nil {
		return nil, err
	}
	row := s.pool.QueryRow(ctx,
		`SELECT value, versionstamp FROM kv_entries WHERE key_encoded = $1 AND `+livePredicate, enc)
	entry, err := scanEntry(row, key)
	if err == nil || !errors.Is(err, pgx.ErrNoRows) {
		return entry, err
	}
	if !s.legacyFallback {
		return nil, nil
	}
	return s.getLegacy(ctx, key)
}

// GetMany returns entries for keys in input order, nil for misses.
func (s *Store) GetMany(ctx context.Context, keys []kv.Key) ([]*kv.Entry, error) {
	out := make([]*kv.Entry, len(keys))
	for i, key := range keys {
		entry, err := s.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		out[i] = entry
	}
	return out, nil
}

func scanEntry(row pgx.Row, key kv.Key) (*kv.Entry, error) {
	var (
		raw []byte
		vs  int64
	)
	if err := row.Scan(&raw, &vs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: scanning entry: %w", err)
	}
	value, err := kv.DecodeValue(raw)
	if err != nil {
		return nil, err
	}
	return &kv.Entry{Key: key, Value: value, Versionstamp: formatVersionstamp(vs)}, nil
}

func formatVersionstamp(v int64) string {
	return fmt.Sprintf("%016x", uint64(v))
}

// Set upserts key to value.
func (s *Store) Set(ctx context.Context, key kv.Key, value kv.Value, opts kv.SetOptions) (kv.CommitResult, error) {
	op := s.Atomic()
	if opts.ExpireIn > 0 {
		op.SetWithTTL(key, value, opts.ExpireIn)
	} else {
		op.Set(key, value)
	}
	return op.Commit(ctx)
}

// Delete removes key. Idempotent.
func (s *Store) Delete(ctx context.Context, key kv.Key) error {
	_, err := s.Atomic().Delete(key).Commit(ctx)
	return err
}

// List iterates entries chosen by sel in structural key order.
func (s *Store) List(ctx context.Context, sel kv.Selector, opts kv.ListOptions) (kv.Iterator, error) {
	start, end, err := rangeBounds(sel)
	if err != nil {
		return nil, err
	}
	var after []byte
	if opts.Cursor != "" {
		after, err = kv.DecodeCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
	}
	reader := s.readerFor(opts.Consistency)
	fetch := func(ctx context.Context, after []byte, n int) ([]kv.Entry, error) {
		return s.fetchRange(ctx, reader, start, end, after, n, opts.Reverse)
	}
	return kv.NewBatchIterator(ctx, fetch, opts.Limit, after), nil
}

func rangeBounds(sel kv.Selector) (start, end []byte, err error) {
	if len(sel.Prefix) > 0 {
		return kv.PrefixRange(sel.Prefix)
	}
	if len(sel.Start) == 0 || len(sel.End) == 0 {
		return nil, nil, fmt.Errorf("kv: selector requires a prefix or a start/end range")
	}
	if start, err = sel.Start.Encode(); err != nil {
		return nil, nil, err
	}
	if end, err = sel.End.Encode(); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func (s *Store) fetchRange(ctx context.Context, reader *pgxpool.Pool, start, end, after []byte, n int, reverse bool) ([]kv.Entry, error) {
	lo, hi := start, end
	order := "ASC"
	if reverse {
		order = "DESC"
	}
	args := []any{lo, hi, n}
	afterClause := ""
	if after != nil {
		if reverse {
			afterClause = " AND key_encoded < $4"
		} else {
			afterClause = " AND key_encoded > $4"
		}
		args = append(args, after)
	}
	rows, err := reader.Query(ctx,
		`SELECT key_encoded, value, versionstamp FROM kv_entries
		 WHERE key_encoded >= $1 AND key_encoded < $2 AND `+livePredicate+afterClause+
			` ORDER BY key_encoded `+order+` LIMIT $3`, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: range query: %w", err)
	}
	defer rows.Close()

	var out []kv.Entry
	for rows.Next() {
		var (
			enc []byte
			raw []byte
			vs  int64
		)
		if err := rows.Scan(&enc, &raw, &vs); err != nil {
			return nil, fmt.Errorf("postgres: scanning range row: %w", err)
		}
		key, err := kv.DecodeKey(enc)
		if err != nil {
			return nil, fmt.Errorf("postgres: corrupt stored key: %w", err)
		}
		value, err := kv.DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, kv.Entry{Key: key, Value: value, Versionstamp: formatVersionstamp(vs)})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: range iteration: %w", err)
	}
	return out, nil
}

// Atomic begins a new atomic operation.
func (s *Store) Atomic() kv.AtomicOp {
	return &atomicOp{store: s}
}

// Close releases both pools.
func (s *Store) Close() error {
	if s.readPool != nil {
		s.readPool.Close()
	}
	s.pool.Close()
	return nil
}

type mutationKind uint8

const (
	mutSet mutationKind = iota
	mutDelete
	mutSum
)

type mutation struct {
	kind  mutationKind
	key   kv.Key
	value kv.Value
	ttl   time.Duration
	sum   uint64
}

type check struct {
	key kv.Key
	vs  string
}

type atomicOp struct {
	store     *Store
	checks    []check
	mutations []mutation
}

func (op *atomicOp) Check(key kv.Key, vs string) kv.AtomicOp {
	op.checks = append(op.checks, check{key: key, vs: vs})
	return op
}

func (op *atomicOp) Set(key kv.Key, value kv.Value) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSet, key: key, value: value})
	return op
}

func (op *atomicOp) SetWithTTL(key kv.Key, value kv.Value, ttl time.Duration) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSet, key: key, value: value, ttl: ttl})
	return op
}

func (op *atomicOp) Delete(key kv.Key) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutDelete, key: key})
	return op
}

func (op *atomicOp) Sum(key kv.Key, n uint64) kv.AtomicOp {
	op.mutations = append(op.mutations, mutation{kind: mutSum, key: key, sum: n})
	return op
}

// Commit maps the atomic op onto one relational transaction: checks
// run as versionstamp reads; any mismatch rolls back and reports a
// clean failure; otherwise mutations apply and the sequence value
// taken for this transaction becomes the result versionstamp.
func (op *atomicOp) Commit(ctx context.Context) (kv.CommitResult, error) {
	for _, c := range op.checks {
		if len(c.key) == 0 {
			return kv.CommitResult{}, kv.ErrEmptyKey
		}
	}
	for _, m := range op.mutations {
		if len(m.key) == 0 {
			return kv.CommitResult{}, kv.ErrEmptyKey
		}
	}

	tx, err := op.store.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return kv.CommitResult{}, fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	for _, c := range op.checks {
		current, err := currentVersionstamp(ctx, tx, c.key)
		if err != nil {
			return kv.CommitResult{}, err
		}
		if current != c.vs {
			return kv.CommitResult{OK: false}, nil
		}
	}

	var seq int64
	if err := tx.QueryRow(ctx, `SELECT nextval('kv_versionstamp_seq')`).Scan(&seq); err != nil {
		return kv.CommitResult{}, fmt.Errorf("postgres: versionstamp: %w", err)
	}

	for _, m := range op.mutations {
		if err := applyMutation(ctx, tx, m, seq); err != nil {
			return kv.CommitResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return kv.CommitResult{}, fmt.Errorf("postgres: commit: %w", err)
	}
	return kv.CommitResult{OK: true, Versionstamp: formatVersionstamp(seq)}, nil
}

func currentVersionstamp(ctx context.Context, tx pgx.Tx, key kv.Key) (string, error) {
	enc, err := key.Encode()
	if err != nil {
		return "", err
	}
	var vs int64
	err = tx.QueryRow(ctx,
		`SELECT versionstamp FROM kv_entries WHERE key_encoded = $1 AND `+livePredicate+` FOR UPDATE`, enc).Scan(&vs)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("postgres: check read: %w", err)
	}
	return formatVersionstamp(vs), nil
}

func applyMutation(ctx context.Context, tx pgx.Tx, m mutation, seq int64) error {
	enc, err := m.key.Encode()
	if err != nil {
		return err
	}
	switch m.kind {
	case mutDelete:
		if _, err := tx.Exec(ctx, `DELETE FROM kv_entries WHERE key_encoded = $1`, enc); err != nil {
			return fmt.Errorf("postgres: delete: %w", err)
		}
		return nil
	case mutSum:
		var raw []byte
		err := tx.QueryRow(ctx,
			`SELECT value FROM kv_entries WHERE key_encoded = $1 AND `+livePredicate+` FOR UPDATE`, enc).Scan(&raw)
		var total uint64
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return fmt.Errorf("postgres: sum read: %w", err)
		default:
			value, err := kv.DecodeValue(raw)
			if err != nil {
				return err
			}
			counter, ok := value.(kv.Uint64)
			if !ok {
				return fmt.Errorf("postgres: sum target %s holds a non-counter value", m.key)
			}
			total = uint64(counter)
		}
		return upsertEntry(ctx, tx, m.key, enc, kv.Uint64(total+m.sum), 0, seq)
	default:
		return upsertEntry(ctx, tx, m.key, enc, m.value, m.ttl, seq)
	}
}

func upsertEntry(ctx context.Context, tx pgx.Tx, key kv.Key, enc []byte, value kv.Value, ttl time.Duration, seq int64) error {
	keyJSON, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("postgres: marshaling key: %w", err)
	}
	valueJSON, err := kv.EncodeValue(value)
	if err != nil {
		return err
	}
	var expiresAt *time.Time
	if ttl > 0 {
		t := time.Now().Add(ttl)
		expiresAt = &t
	}
	// The key_path conflict target covers legacy rows that predate
	// key_encoded; both unique constraints identify the same entry.
	_, err = tx.Exec(ctx,
		`INSERT INTO kv_entries (versionstamp, key_path, key_encoded, value, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (key_path) DO UPDATE SET
		     versionstamp = EXCLUDED.versionstamp,
		     key_encoded = EXCLUDED.key_encoded,
		     value = EXCLUDED.value,
		     expires_at = EXCLUDED.expires_at`,
		seq, keyJSON, enc, valueJSON, expiresAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert: %w", err)
	}
	return nil
}
