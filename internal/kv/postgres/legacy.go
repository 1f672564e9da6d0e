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

package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/scribeworks/codex/internal/kv"
)

// sentinelStructuredKeys marks a table whose keys are all in
// structured form. Its presence skips legacy detection on open.
const sentinelStructuredKeys = "structured_keys"

// migrateLegacyKeys detects pre-migration rows (key_path stored as a
// comma-joined scalar or a JSON-escaped scalar instead of a structured
// list) and rewrites them in place. The live table is snapshotted into
// a backup table first; any failure rolls the rewrite back and leaves
// the live data untouched.
func (s *Store) migrateLegacyKeys(ctx context.Context) error {
	var sentinel string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM kv_meta WHERE name = $1`, sentinelStructuredKeys).Scan(&sentinel)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("postgres: reading migration sentinel: %w", err)
	}

	var legacyCount int64
	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM kv_entries WHERE jsonb_typeof(key_path) <> 'array'`).Scan(&legacyCount)
	if err != nil {
		return fmt.Errorf("postgres: detecting legacy rows: %w", err)
	}

	if legacyCount == 0 {
		return s.writeSentinel(ctx)
	}

	s.log.Info("legacy key format detected, migrating", "rows", legacyCount)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin legacy migration: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	backup := fmt.Sprintf("kv_entries_backup_%d", time.Now().Unix())
	if _, err := tx.Exec(ctx, `CREATE TABLE `+pgx.Identifier{backup}.Sanitize()+` AS TABLE kv_entries`); err != nil {
		return fmt.Errorf("postgres: snapshotting table: %w", err)
	}
	if _, err := tx.Exec(ctx, `CREATE TEMP TABLE kv_entries_work ON COMMIT DROP AS TABLE kv_entries`); err != nil {
		return fmt.Errorf("postgres: creating work table: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM kv_entries`); err != nil {
		return fmt.Errorf("postgres: emptying live table: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT versionstamp, key_path::text, value::text, expires_at, created_at FROM kv_entries_work`)
	if err != nil {
		return fmt.Errorf("postgres: reading work table: %w", err)
	}
	type workRow struct {
		vs        int64
		keyText   string
		valueText string
		expiresAt *time.Time
		createdAt time.Time
	}
	var work []workRow
	for rows.Next() {
		var r workRow
		if err := rows.Scan(&r.vs, &r.keyText, &r.valueText, &r.expiresAt, &r.createdAt); err != nil {
			rows.Close()
			return fmt.Errorf("postgres: scanning work row: %w", err)
		}
		work = append(work, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: iterating work table: %w", err)
	}

	for _, r := range work {
		key, err := normalizeLegacyKey(r.keyText)
		if err != nil {
			return fmt.Errorf("postgres: normalizing legacy key %q: %w", r.keyText, err)
		}
		enc, err := key.Encode()
		if err != nil {
			return err
		}
		keyJSON, err := json.Marshal(key)
		if err != nil {
			return err
		}
		valueJSON := normalizeLegacyValue(r.valueText)
		_, err = tx.Exec(ctx,
			`INSERT INTO kv_entries (versionstamp, key_path, key_encoded, value, expires_at, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (key_path) DO NOTHING`,
			r.vs, keyJSON, enc, valueJSON, r.expiresAt, r.createdAt)
		if err != nil {
			return fmt.Errorf("postgres: reinserting %q: %w", r.keyText, err)
		}
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO kv_meta (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		sentinelStructuredKeys, "1"); err != nil {
		return fmt.Errorf("postgres: writing sentinel: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: committing legacy migration: %w", err)
	}
	s.log.Info("legacy key migration complete", "rows", len(work), "backup", backup)
	return nil
}

func (s *Store) writeSentinel(ctx context.Context) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO kv_meta (name, value) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
		sentinelStructuredKeys, "1")
	if err != nil {
		return fmt.Errorf("postgres: writing migration sentinel: %w", err)
	}
	return nil
}

// normalizeLegacyKey turns a legacy key_path text into a structured
// key: a JSON-escaped scalar is unwrapped first, comma-joined scalars
// split into string parts, and a bare scalar becomes a single part.
func normalizeLegacyKey(text string) (kv.Key, error) {
	raw := strings.TrimSpace(text)
	// JSON-escaped scalar: the column held `"users,by_id,42"` or `"config"`.
	var unquoted string
	if err := json.Unmarshal([]byte(raw), &unquoted); err == nil {
		raw = unquoted
	}
	if raw == "" {
		return nil, fmt.Errorf("empty legacy key")
	}
	parts := strings.Split(raw, ",")
	key := make(kv.Key, 0, len(parts))
	for _, p := range parts {
		key = append(key, kv.String(p))
	}
	return key, nil
}

// normalizeLegacyValue preserves already-valid structured values and
// quotes stray strings so the column stays valid JSON.
func normalizeLegacyValue(text string) []byte {
	if json.Valid([]byte(text)) {
		return []byte(text)
	}
	quoted, _ := json.Marshal(text)
	return quoted
}

// getLegacy attempts the pre-migration key forms for a single-key
// read. Used only when the in-place migration failed.
func (s *Store) getLegacy(ctx context.Context, key kv.Key) (*kv.Entry, error) {
	joined, ok := legacyJoinedForm(key)
	if !ok {
		return nil, nil
	}
	row := s.pool.QueryRow(ctx,
		`SELECT value, versionstamp FROM kv_entries
		 WHERE key_path = to_jsonb($1::text) AND `+livePredicate, joined)
	entry, err := scanEntry(row, key)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return entry, err
}

// legacyJoinedForm renders a key in the comma-joined legacy format.
// Only keys of scalar string/int parts existed before the migration.
func legacyJoinedForm(key kv.Key) (string, bool) {
	parts := make([]string, 0, len(key))
	for _, p := range key {
		switch p.Kind() {
		case kv.PartString:
			parts = append(parts, p.StringValue())
		case kv.PartInt:
			parts = append(parts, strconv.FormatInt(p.IntValue(), 10))
		default:
			return "", false
		}
	}
	return strings.Join(parts, ","), true
}
