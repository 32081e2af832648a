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

package docstore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
)

// DefaultMaxBatchBytes bounds how many chunk bytes accumulate before a
// multi-row insert is flushed.
const DefaultMaxBatchBytes = 256 * 1024

// readChunkSize is the unit the request body is read in. Each non-empty
// read becomes one chunk row.
const readChunkSize = 64 * 1024

// IngestOptions tunes the streaming ingest.
type IngestOptions struct {
	MaxBatchBytes int
}

type chunkRow struct {
	part int
	data []byte
}

// chunkBatcher assigns contiguous part numbers to incoming fragments and
// flushes them in size-bounded batches. Empty fragments are dropped
// without consuming a part number.
type chunkBatcher struct {
	max   int
	rows  []chunkRow
	size  int
	next  int
	flush func(rows []chunkRow) error
}

func newChunkBatcher(max int, flush func(rows []chunkRow) error) *chunkBatcher {
	return &chunkBatcher{max: max, flush: flush}
}

func (b *chunkBatcher) Add(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	row := chunkRow{part: b.next, data: append([]byte(nil), data...)}
	b.next++
	b.rows = append(b.rows, row)
	b.size += len(row.data)
	if b.size >= b.max {
		return b.Flush()
	}
	return nil
}

func (b *chunkBatcher) Flush() error {
	if len(b.rows) == 0 {
		return nil
	}
	if err := b.flush(b.rows); err != nil {
		return err
	}
	b.rows = b.rows[:0]
	b.size = 0
	return nil
}

// Parts returns how many chunks have been assigned so far.
func (b *chunkBatcher) Parts() int {
	return b.next
}

// CreateDocumentStream ingests a request body of arbitrary size. The body
// is read in fixed-size pieces, hashed and counted on the fly, and written
// as ordered chunk rows together with the metadata row in one transaction.
// Nothing is visible to readers until the transaction commits.
func (s *Store) CreateDocumentStream(ctx context.Context, namespace, documentName string, body io.Reader, opts IngestOptions) (*Meta, error) {
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}

	maxBatch := opts.MaxBatchBytes
	if maxBatch <= 0 {
		maxBatch = DefaultMaxBatchBytes
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generating id: %w", err)
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

	hasher := sha256.New()
	var total int64
	batcher := newChunkBatcher(maxBatch, func(rows []chunkRow) error {
		return insertChunkBatch(ctx, tx, id, rows)
	})

	buf := make([]byte, readChunkSize)
	for {
		n, readErr := body.Read(buf)
		if n > 0 {
			hasher.Write(buf[:n])
			total += int64(n)
			if err = batcher.Add(buf[:n]); err != nil {
				return nil, fmt.Errorf("writing chunks: %w", err)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			err = fmt.Errorf("reading body: %w", readErr)
			return nil, err
		}
	}
	if err = batcher.Flush(); err != nil {
		return nil, fmt.Errorf("writing chunks: %w", err)
	}

	meta := &Meta{
		ID:            id.String(),
		DocumentName:  documentName,
		ContentLength: total,
		ContentHash:   hex.EncodeToString(hasher.Sum(nil)),
	}

	row := tx.QueryRowContext(ctx, `
		insert into `+metaTable(namespace)+` (id, document_name, content_length, content_hash)
		values ($1, $2, $3, $4)
		returning created_at, updated_at`,
		id, documentName, meta.ContentLength, meta.ContentHash)
	if err = row.Scan(&meta.CreatedAt, &meta.UpdatedAt); err != nil {
		return nil, fmt.Errorf("inserting metadata: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing document: %w", err)
	}
	return meta, nil
}

func insertChunkBatch(ctx context.Context, tx *sql.Tx, id uuid.UUID, rows []chunkRow) error {
	var sb strings.Builder
	sb.WriteString("insert into " + chunkTable + " (id, part, data) values ")
	args := make([]any, 0, len(rows)*3)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		fmt.Fprintf(&sb, "($%d, $%d, $%d)", i*3+1, i*3+2, i*3+3)
		args = append(args, id, row.part, row.data)
	}
	_, err := tx.ExecContext(ctx, sb.String(), args...)
	return err
}

// ChunkIterator walks a document's chunks in part order.
type ChunkIterator struct {
	rows *sql.Rows
	data []byte
	err  error
}

// Next advances to the next chunk. It returns false at the end of the
// stream or on error; check Err afterwards.
func (it *ChunkIterator) Next() bool {
	if it.err != nil || !it.rows.Next() {
		return false
	}
	it.err = it.rows.Scan(&it.data)
	return it.err == nil
}

// Data returns the current chunk. Valid until the next call to Next.
func (it *ChunkIterator) Data() []byte {
	return it.data
}

// Err returns the first error hit during iteration.
func (it *ChunkIterator) Err() error {
	if it.err != nil {
		return it.err
	}
	return it.rows.Err()
}

// Close releases the underlying cursor.
func (it *ChunkIterator) Close() error {
	return it.rows.Close()
}

// IterChunks streams a document's chunks in ascending part order without
// materializing the whole body.
func (s *Store) IterChunks(ctx context.Context, id string) (*ChunkIterator, error) {
	docID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("malformed document id %q", id)
	}

	rows, err := s.db.QueryContext(ctx, `
		select data from `+chunkTable+`
		where id = $1
		order by part asc`, docID)
	if err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	return &ChunkIterator{rows: rows}, nil
}

// ReadBody assembles a document's raw body from its chunk rows, falling
// back to the staged blob written by the fast path. It returns nil when
// neither exists, which is the steady state for indexed documents.
func (s *Store) ReadBody(ctx context.Context, id string) ([]byte, error) {
	it, err := s.IterChunks(ctx, id)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var body []byte
	for it.Next() {
		body = append(body, it.Data()...)
	}
	if err := it.Err(); err != nil {
		return nil, fmt.Errorf("reading chunks: %w", err)
	}
	if body != nil {
		return body, nil
	}

	docID, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("malformed document id %q", id)
	}
	var staged []byte
	err = s.db.QueryRowContext(ctx, `select content from `+bufferTable+` where id = $1`, docID).Scan(&staged)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading staged blob: %w", err)
	}
	return staged, nil
}
