// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package docstore is the relational substrate of the document store.
//
// Every namespace owns a metadata table named <namespace>_metadata. Two
// shared tables back the bodies: json_chunks holds ordered byte fragments
// written by the streaming ingest, json_buffer stages whole bodies written
// by the non-streaming fast path. Chunks are deleted once a document has
// been indexed, or when the document itself is deleted.
package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const (
	chunkTable  = "json_chunks"
	bufferTable = "json_buffer"
)

var namespacePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// ErrInvalidNamespace rejects namespace names before they reach DDL.
var ErrInvalidNamespace = errors.New("invalid namespace")

// ErrBadCursor rejects pagination cursors that are not document ids.
var ErrBadCursor = errors.New("malformed cursor")

// ValidateNamespace enforces the conservative identifier shape namespaces
// must have. Namespace names are interpolated into table DDL, so nothing
// outside this shape is ever allowed through.
func ValidateNamespace(namespace string) error {
	if !namespacePattern.MatchString(namespace) {
		return fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return nil
}

func metaTable(namespace string) string {
	return pq.QuoteIdentifier(namespace + "_metadata")
}

// Meta is the metadata row of a stored document.
type Meta struct {
	ID            string    `json:"id"`
	DocumentName  string    `json:"documentName"`
	ContentLength int64     `json:"contentLength"`
	ContentHash   string    `json:"contentHash"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// DocumentList is a page of documents plus the namespace total.
type DocumentList struct {
	Items []Meta `json:"items"`
	Count int    `json:"count"`
}

// ListOptions controls metadata listing. A zero Limit falls back to
// DefaultListLimit. Cursor, when set, is a document id acting as an
// exclusive upper bound.
type ListOptions struct {
	Limit  int
	Cursor string
	Offset int
}

// DefaultListLimit is used when a listing does not name a page size.
const DefaultListLimit = 50

// Options tunes the connection pool.
type Options struct {
	MaxConns int
	MaxIdle  int
}

// Store gives access to the relational document tables through a bounded
// connection pool.
type Store struct {
	db *sql.DB
}

// Open connects to Postgres and verifies the connection.
func Open(dsn string, opts Options) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if opts.MaxConns > 0 {
		db.SetMaxOpenConns(opts.MaxConns)
	}
	if opts.MaxIdle > 0 {
		db.SetMaxIdleConns(opts.MaxIdle)
	}
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	return &Store{db: db}, nil
}

// NewWithDB wraps an existing pool. The caller keeps ownership of db.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureChunkTable creates the shared chunk table. Idempotent.
func (s *Store) EnsureChunkTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists `+chunkTable+` (
			id uuid not null,
			part integer not null,
			data bytea not null,
			primary key (id, part)
		)`)
	if err != nil {
		return fmt.Errorf("creating chunk table: %w", err)
	}
	return nil
}

// EnsureBufferTable creates the shared staging table for small payloads.
// Idempotent.
func (s *Store) EnsureBufferTable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		create table if not exists `+bufferTable+` (
			id uuid primary key,
			content bytea not null
		)`)
	if err != nil {
		return fmt.Errorf("creating buffer table: %w", err)
	}
	return nil
}

// EnsureMetaTable creates the per-namespace metadata table. Idempotent.
func (s *Store) EnsureMetaTable(ctx context.Context, namespace string) error {
	if err := ValidateNamespace(namespace); err != nil {
		return err
	}

	_, err := s.db.ExecContext(ctx, `
		create table if not exists `+metaTable(namespace)+` (
			id uuid primary key,
			document_name text not null,
			content_length bigint not null,
			content_hash text not null,
			created_at timestamptz not null default now(),
			updated_at timestamptz not null default now()
		)`)
	if err != nil {
		return fmt.Errorf("creating metadata table for %q: %w", namespace, err)
	}
	return nil
}

// CreateDocument is the non-streaming fast path: the payload is serialized
// to compact JSON, staged whole into the buffer table, and registered in
// metadata, all in one transaction.
func (s *Store) CreateDocument(ctx context.Context, namespace, documentName string, payload map[string]any) (*Meta, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("serializing payload: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
	}

	digest := sha256.Sum256(raw)
	meta := &Meta{
		ID:            id.String(),
		DocumentName:  documentName,
		ContentLength: int64(len(raw)),
		ContentHash:   hex.EncodeToString(digest[:]),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
		insert into `+metaTable(namespace)+` (id, document_name, content_length, content_hash)
		values ($1, $2, $3, $4)
		returning created_at, updated_at`,
		id, documentName, meta.ContentLength, meta.ContentHash)
	if err = row.Scan(&meta.CreatedAt, &meta.UpdatedAt); err != nil {
		return nil, fmt.Errorf("inserting metadata: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `
		insert into `+bufferTable+` (id, content) values ($1, $2)`,
		id, raw); err != nil {
		return nil, fmt.Errorf("staging payload: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document: %w", err)
	}
	return meta, nil
}

// GetMeta returns the metadata row, or nil when the document (or the whole
// namespace) does not exist.
func (s *Store) GetMeta(ctx context.Context, namespace, id string) (*Meta, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	docID, err := uuid.Parse(id)
	if err != nil {
		return nil, nil
	}

	var meta Meta
	row := s.db.QueryRowContext(ctx, `
		select id, document_name, content_length, content_hash, created_at, updated_at
		from `+metaTable(namespace)+`
		where id = $1`, docID)
	err = row.Scan(&meta.ID, &meta.DocumentName, &meta.ContentLength, &meta.ContentHash, &meta.CreatedAt, &meta.UpdatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows), isUndefinedTable(err):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	return &meta, nil
}

// ListMeta pages through a namespace ordered by creation time, newest
// first. The cursor bounds results to ids strictly older than the cursor.
func (s *Store) ListMeta(ctx context.Context, namespace string, opts ListOptions) (*DocumentList, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}

	list := &DocumentList{Items: []Meta{}}

	err := s.db.QueryRowContext(ctx, `select count(*) from `+metaTable(namespace)).Scan(&list.Count)
	if isUndefinedTable(err) {
		return list, nil
	}
	if err != nil {
		return nil, fmt.Errorf("counting documents: %w", err)
	}

	query := `
		select id, document_name, content_length, content_hash, created_at, updated_at
		from ` + metaTable(namespace)
	args := []any{}

	if opts.Cursor != "" {
		cursor, err := uuid.Parse(opts.Cursor)
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrBadCursor, opts.Cursor)
		}
		args = append(args, cursor)
		query += fmt.Sprintf(" where id < $%d", len(args))
	}

	query += " order by created_at desc, id desc"
	args = append(args, limit)
	query += fmt.Sprintf(" limit $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" offset $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var meta Meta
		if err := rows.Scan(&meta.ID, &meta.DocumentName, &meta.ContentLength, &meta.ContentHash, &meta.CreatedAt, &meta.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scanning document row: %w", err)
		}
		list.Items = append(list.Items, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing documents: %w", err)
	}

	return list, nil
}

// DeleteObject removes the metadata row, all chunks, and any staged blob
// for the document in one transaction. It reports true when the metadata
// row existed; missing chunks are normal for already-indexed documents.
func (s *Store) DeleteObject(ctx context.Context, namespace, id string) (bool, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return false, err
	}

	docID, err := uuid.Parse(id)
	if err != nil {
		return false, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, `delete from `+metaTable(namespace)+` where id = $1`, docID)
	if isUndefinedTable(err) {
		_ = tx.Rollback()
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting metadata: %w", err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("deleting metadata: %w", err)
	}

	if _, err = tx.ExecContext(ctx, `delete from `+chunkTable+` where id = $1`, docID); err != nil {
		return false, fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `delete from `+bufferTable+` where id = $1`, docID); err != nil {
		return false, fmt.Errorf("deleting staged blob: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("committing delete: %w", err)
	}
	return deleted > 0, nil
}

// DeleteChunks garbage-collects the body fragments of an indexed document.
func (s *Store) DeleteChunks(ctx context.Context, id string) error {
	docID, err := uuid.Parse(id)
	if err != nil {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `delete from `+chunkTable+` where id = $1`, docID); err != nil {
		return fmt.Errorf("deleting chunks: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `delete from `+bufferTable+` where id = $1`, docID); err != nil {
		return fmt.Errorf("deleting staged blob: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing chunk delete: %w", err)
	}
	return nil
}

// isUndefinedTable reports whether err is Postgres' undefined_table error.
// A missing per-namespace table is equivalent to an empty namespace.
func isUndefinedTable(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "42P01"
}
