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

// Package service coordinates the relational store, the search index, and
// the task queue into the namespaced document-store API. Documents become
// durable synchronously and searchable asynchronously; the coordinator is
// also the handler executing the deferred indexing work.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/stratum/pkg/docstore"
	"github.com/kadirpekel/stratum/pkg/observability"
	"github.com/kadirpekel/stratum/pkg/searchstore"
	"github.com/kadirpekel/stratum/pkg/tasks"
	"github.com/kadirpekel/stratum/pkg/translator"
)

// DocStore is the relational persistence the coordinator needs.
type DocStore interface {
	EnsureChunkTable(ctx context.Context) error
	EnsureBufferTable(ctx context.Context) error
	EnsureMetaTable(ctx context.Context, namespace string) error
	CreateDocument(ctx context.Context, namespace, documentName string, payload map[string]any) (*docstore.Meta, error)
	CreateDocumentStream(ctx context.Context, namespace, documentName string, body io.Reader, opts docstore.IngestOptions) (*docstore.Meta, error)
	GetMeta(ctx context.Context, namespace, id string) (*docstore.Meta, error)
	ListMeta(ctx context.Context, namespace string, opts docstore.ListOptions) (*docstore.DocumentList, error)
	ReadBody(ctx context.Context, id string) ([]byte, error)
	DeleteObject(ctx context.Context, namespace, id string) (bool, error)
	DeleteChunks(ctx context.Context, id string) error
}

// SearchStore is the index backend the coordinator needs.
type SearchStore interface {
	InsertDocument(ctx context.Context, index, id string, doc map[string]any) error
	GetDocument(ctx context.Context, index, id string) (map[string]any, error)
	DeleteDocument(ctx context.Context, index, id string) (bool, error)
	Search(ctx context.Context, index string, query map[string]any, opts searchstore.SearchOptions) ([]map[string]any, error)
	EnsureIndex(ctx context.Context, alias string) error
	CreateIndex(ctx context.Context, alias string, mapping map[string]any) (bool, error)
	ReindexAlias(ctx context.Context, alias string, mapping map[string]any) (string, error)
}

// Listing bounds.
const (
	DefaultListLimit  = 50
	MaxListLimit      = 100
	DefaultSearchSize = 50
)

// Coordinator implements the document-store operations.
type Coordinator struct {
	docs    DocStore
	search  SearchStore
	queue   tasks.Queue
	logger  *slog.Logger
	metrics *observability.Metrics
	ingest  docstore.IngestOptions

	mu           sync.Mutex
	namespaces   map[string]bool
	bootstrapped map[string]bool
	schemas      map[string]translator.Schema
	reindexing   map[string]bool
}

// CoordinatorOption customizes a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics attaches instrumentation.
func WithMetrics(m *observability.Metrics) CoordinatorOption {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithIngestOptions tunes the streaming ingest.
func WithIngestOptions(opts docstore.IngestOptions) CoordinatorOption {
	return func(c *Coordinator) {
		c.ingest = opts
	}
}

// NewCoordinator wires the coordinator. The queue must deliver tasks back
// to this coordinator's HandleTask; callers bind the handler after
// construction.
func NewCoordinator(docs DocStore, search SearchStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		docs:         docs,
		search:       search,
		logger:       slog.Default(),
		namespaces:   make(map[string]bool),
		bootstrapped: make(map[string]bool),
		schemas:      make(map[string]translator.Schema),
		reindexing:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BindQueue attaches the task queue. Done after construction because the
// in-process queue needs the coordinator as its handler first.
func (c *Coordinator) BindQueue(queue tasks.Queue) {
	c.queue = queue
}

// CreateObjectStream ingests a document body of arbitrary size. The
// document is durable when this returns; searchability follows once the
// queued indexing task lands.
func (c *Coordinator) CreateObjectStream(ctx context.Context, namespace, documentName string, body io.Reader) (*docstore.Meta, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}
	if err := c.ensureNamespace(ctx, namespace); err != nil {
		return nil, Internal("preparing namespace", err)
	}

	meta, err := c.docs.CreateDocumentStream(ctx, namespace, documentName, body, c.ingest)
	if err != nil {
		return nil, Internal("storing document", err)
	}

	c.metrics.RecordIngest(ctx, namespace, meta.ContentLength)
	if err := c.enqueueIndexing(ctx, namespace, meta.ID); err != nil {
		return nil, err
	}
	return meta, nil
}

// CreateObject is the non-streaming path for payloads that already arrived
// decoded.
func (c *Coordinator) CreateObject(ctx context.Context, namespace, documentName string, payload map[string]any) (*docstore.Meta, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}
	if err := c.ensureNamespace(ctx, namespace); err != nil {
		return nil, Internal("preparing namespace", err)
	}

	meta, err := c.docs.CreateDocument(ctx, namespace, documentName, payload)
	if err != nil {
		return nil, Internal("storing document", err)
	}

	c.metrics.RecordIngest(ctx, namespace, meta.ContentLength)
	if err := c.enqueueIndexing(ctx, namespace, meta.ID); err != nil {
		return nil, err
	}
	return meta, nil
}

func (c *Coordinator) enqueueIndexing(ctx context.Context, namespace, id string) error {
	err := c.queue.Enqueue(ctx, tasks.Task{
		Kind:      tasks.KindIndexDocument,
		Namespace: namespace,
		ObjectID:  id,
	})
	if err != nil {
		return Internal("scheduling indexing", err)
	}
	return nil
}

// GetObjectMeta returns a document's metadata.
func (c *Coordinator) GetObjectMeta(ctx context.Context, namespace, id string) (*docstore.Meta, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}

	meta, err := c.docs.GetMeta(ctx, namespace, id)
	if err != nil {
		return nil, Internal("loading metadata", err)
	}
	if meta == nil {
		return nil, NotFound("document %q not found in namespace %q", id, namespace)
	}
	return meta, nil
}

// GetObjectBody returns the indexed document. A document that exists but
// has not been indexed yet yields an in-progress error so callers can
// retry.
func (c *Coordinator) GetObjectBody(ctx context.Context, namespace, id string) (map[string]any, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}

	doc, err := c.search.GetDocument(ctx, namespace, id)
	if err != nil {
		return nil, Internal("fetching document", err)
	}
	if doc != nil {
		return doc, nil
	}

	meta, err := c.docs.GetMeta(ctx, namespace, id)
	if err != nil {
		return nil, Internal("loading metadata", err)
	}
	if meta == nil {
		return nil, NotFound("document %q not found in namespace %q", id, namespace)
	}
	return nil, InProgress("document %q is not indexed yet", id)
}

// DeleteObject removes a document from both stores in parallel. Existence
// is judged by the metadata row; the index may legitimately not hold the
// document yet.
func (c *Coordinator) DeleteObject(ctx context.Context, namespace, id string) error {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return BadRequest("%v", err)
	}

	var existed bool
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		existed, err = c.docs.DeleteObject(gctx, namespace, id)
		return err
	})
	g.Go(func() error {
		_, err := c.search.DeleteDocument(gctx, namespace, id)
		return err
	})
	if err := g.Wait(); err != nil {
		return Internal("deleting document", err)
	}

	if !existed {
		return NotFound("document %q not found in namespace %q", id, namespace)
	}
	return nil
}

// ListNamespace pages through a namespace's metadata, newest first.
func (c *Coordinator) ListNamespace(ctx context.Context, namespace string, limit int, cursor string) (*docstore.DocumentList, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}

	switch {
	case limit <= 0:
		limit = DefaultListLimit
	case limit > MaxListLimit:
		limit = MaxListLimit
	}

	list, err := c.docs.ListMeta(ctx, namespace, docstore.ListOptions{Limit: limit, Cursor: cursor})
	if err != nil {
		if errors.Is(err, docstore.ErrBadCursor) {
			return nil, BadRequest("%v", err)
		}
		return nil, Internal("listing namespace", err)
	}
	return list, nil
}

// SetSearchSchema installs or replaces a namespace's search schema. A new
// namespace gets its index created inline; an existing one is rebuilt
// asynchronously behind its alias. Concurrent rebuilds of the same
// namespace are rejected.
func (c *Coordinator) SetSearchSchema(ctx context.Context, namespace string, schema translator.Schema) error {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return BadRequest("%v", err)
	}
	if len(schema) == 0 {
		return BadRequest("search schema must name at least one field")
	}

	mapping, err := translator.SchemaToMapping(schema)
	if err != nil {
		return BadRequest("invalid search schema: %v", err)
	}

	// Check-and-set in one critical section: the flag is claimed before
	// any network call so a concurrent update cannot slip past the check.
	// It is released on every path except a successfully enqueued rebuild,
	// where the reindex task releases it when the rebuild finishes.
	c.mu.Lock()
	if c.reindexing[namespace] {
		c.mu.Unlock()
		return Conflict("namespace %q is already being reindexed", namespace)
	}
	c.reindexing[namespace] = true
	c.mu.Unlock()

	release := func() {
		c.mu.Lock()
		delete(c.reindexing, namespace)
		c.mu.Unlock()
	}

	created, err := c.search.CreateIndex(ctx, namespace, mapping)
	if err != nil {
		release()
		return Internal("creating index", err)
	}

	if created {
		release()
	} else {
		rawMapping, err := json.Marshal(mapping)
		if err != nil {
			release()
			return Internal("serializing mapping", err)
		}

		err = c.queue.Enqueue(ctx, tasks.Task{
			Kind:      tasks.KindReindexNamespace,
			Namespace: namespace,
			Alias:     namespace,
			Mapping:   rawMapping,
		})
		if err != nil {
			release()
			return Internal("scheduling reindex", err)
		}
	}

	c.mu.Lock()
	c.schemas[namespace] = schema
	c.namespaces[namespace] = true
	c.mu.Unlock()
	return nil
}

// SearchSchema returns the installed schema, or nil when none is set.
func (c *Coordinator) SearchSchema(namespace string) translator.Schema {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.schemas[namespace]
}

// SearchObjects compiles the filter expression and runs it against the
// namespace index.
func (c *Coordinator) SearchObjects(ctx context.Context, namespace, filter string, opts searchstore.SearchOptions) ([]map[string]any, error) {
	if err := docstore.ValidateNamespace(namespace); err != nil {
		return nil, BadRequest("%v", err)
	}

	c.mu.Lock()
	_, hasSchema := c.schemas[namespace]
	c.mu.Unlock()
	if !hasSchema {
		return nil, BadRequest("search schema not set for namespace %q", namespace)
	}

	query, err := translator.CompileFilter(filter)
	if err != nil {
		return nil, BadRequest("invalid filter: %v", err)
	}

	if opts.Size <= 0 {
		opts.Size = DefaultSearchSize
	}
	if opts.From < 0 {
		opts.From = 0
	}

	docs, err := c.search.Search(ctx, namespace, query, opts)
	if err != nil {
		return nil, Internal("searching", err)
	}
	c.metrics.RecordSearch(ctx, namespace)
	return docs, nil
}

// Namespaces returns the namespaces this instance has seen, sorted.
func (c *Coordinator) Namespaces() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.namespaces))
	for name := range c.namespaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ensureNamespace lazily bootstraps the tables and index a namespace
// needs. The DDL is idempotent, the guard only avoids repeating it. The
// guard is tracked apart from the namespace registry: installing a search
// schema registers a namespace without touching Postgres, so the first
// ingest must still run the DDL.
func (c *Coordinator) ensureNamespace(ctx context.Context, namespace string) error {
	c.mu.Lock()
	ready := c.bootstrapped[namespace]
	c.mu.Unlock()
	if ready {
		return nil
	}

	if err := c.docs.EnsureChunkTable(ctx); err != nil {
		return err
	}
	if err := c.docs.EnsureBufferTable(ctx); err != nil {
		return err
	}
	if err := c.docs.EnsureMetaTable(ctx, namespace); err != nil {
		return err
	}
	if err := c.search.EnsureIndex(ctx, namespace); err != nil {
		return err
	}

	c.mu.Lock()
	c.bootstrapped[namespace] = true
	c.namespaces[namespace] = true
	c.mu.Unlock()
	return nil
}
