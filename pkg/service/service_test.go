package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/stratum/pkg/docstore"
	"github.com/kadirpekel/stratum/pkg/searchstore"
	"github.com/kadirpekel/stratum/pkg/tasks"
	"github.com/kadirpekel/stratum/pkg/translator"
)

type fakeDocs struct {
	mu       sync.Mutex
	metas    map[string]map[string]*docstore.Meta
	bodies   map[string][]byte
	ensured  map[string]bool
	listOpts docstore.ListOptions
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		metas:   make(map[string]map[string]*docstore.Meta),
		bodies:  make(map[string][]byte),
		ensured: make(map[string]bool),
	}
}

func (f *fakeDocs) EnsureChunkTable(ctx context.Context) error  { return nil }
func (f *fakeDocs) EnsureBufferTable(ctx context.Context) error { return nil }

func (f *fakeDocs) EnsureMetaTable(ctx context.Context, ns string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured[ns] = true
	return nil
}

func (f *fakeDocs) store(ns, name string, body []byte) (*docstore.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	// Mirrors Postgres: writes fail until the namespace tables exist.
	if !f.ensured[ns] {
		return nil, fmt.Errorf("pq: relation %q does not exist", ns+"_metadata")
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	meta := &docstore.Meta{
		ID:            id.String(),
		DocumentName:  name,
		ContentLength: int64(len(body)),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if f.metas[ns] == nil {
		f.metas[ns] = make(map[string]*docstore.Meta)
	}
	f.metas[ns][meta.ID] = meta
	f.bodies[meta.ID] = body
	return meta, nil
}

func (f *fakeDocs) CreateDocument(ctx context.Context, ns, name string, payload map[string]any) (*docstore.Meta, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return f.store(ns, name, raw)
}

func (f *fakeDocs) CreateDocumentStream(ctx context.Context, ns, name string, body io.Reader, opts docstore.IngestOptions) (*docstore.Meta, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	return f.store(ns, name, raw)
}

func (f *fakeDocs) GetMeta(ctx context.Context, ns, id string) (*docstore.Meta, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metas[ns][id], nil
}

func (f *fakeDocs) ListMeta(ctx context.Context, ns string, opts docstore.ListOptions) (*docstore.DocumentList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if opts.Cursor != "" {
		if _, err := uuid.Parse(opts.Cursor); err != nil {
			return nil, fmt.Errorf("%w: %q", docstore.ErrBadCursor, opts.Cursor)
		}
	}
	f.listOpts = opts

	list := &docstore.DocumentList{Items: []docstore.Meta{}}
	for _, meta := range f.metas[ns] {
		list.Items = append(list.Items, *meta)
	}
	list.Count = len(list.Items)
	return list, nil
}

func (f *fakeDocs) ReadBody(ctx context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodies[id], nil
}

func (f *fakeDocs) DeleteObject(ctx context.Context, ns, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.metas[ns][id]; !ok {
		return false, nil
	}
	delete(f.metas[ns], id)
	delete(f.bodies, id)
	return true, nil
}

func (f *fakeDocs) DeleteChunks(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.bodies, id)
	return nil
}

func (f *fakeDocs) hasBody(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.bodies[id]
	return ok
}

type fakeSearch struct {
	mu             sync.Mutex
	docs           map[string]map[string]map[string]any
	aliases        map[string]bool
	mappings       map[string]map[string]any
	reindexed      []string
	insertFailures int
	failReindex    bool
	lastQuery      map[string]any
	lastOpts       searchstore.SearchOptions

	// When set, CreateIndex announces entry on blockCreate and parks
	// until releaseCreate closes.
	blockCreate   chan struct{}
	releaseCreate chan struct{}
}

func newFakeSearch() *fakeSearch {
	return &fakeSearch{
		docs:     make(map[string]map[string]map[string]any),
		aliases:  make(map[string]bool),
		mappings: make(map[string]map[string]any),
	}
}

func (f *fakeSearch) InsertDocument(ctx context.Context, index, id string, doc map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.insertFailures > 0 {
		f.insertFailures--
		return errors.New("cluster unavailable")
	}
	if f.docs[index] == nil {
		f.docs[index] = make(map[string]map[string]any)
	}
	f.docs[index][id] = doc
	return nil
}

func (f *fakeSearch) GetDocument(ctx context.Context, index, id string) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.docs[index][id], nil
}

func (f *fakeSearch) DeleteDocument(ctx context.Context, index, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.docs[index][id]; !ok {
		return false, nil
	}
	delete(f.docs[index], id)
	return true, nil
}

func (f *fakeSearch) Search(ctx context.Context, index string, query map[string]any, opts searchstore.SearchOptions) ([]map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.lastQuery = query
	f.lastOpts = opts

	var out []map[string]any
	for _, doc := range f.docs[index] {
		out = append(out, doc)
	}
	return out, nil
}

func (f *fakeSearch) EnsureIndex(ctx context.Context, alias string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aliases[alias] = true
	return nil
}

func (f *fakeSearch) CreateIndex(ctx context.Context, alias string, mapping map[string]any) (bool, error) {
	if f.blockCreate != nil {
		f.blockCreate <- struct{}{}
		<-f.releaseCreate
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.aliases[alias] {
		return false, nil
	}
	f.aliases[alias] = true
	f.mappings[alias] = mapping
	return true, nil
}

func (f *fakeSearch) ReindexAlias(ctx context.Context, alias string, mapping map[string]any) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failReindex {
		return "", errors.New("copy failed")
	}
	f.reindexed = append(f.reindexed, alias)
	f.mappings[alias] = mapping
	return alias + "_rebuilt", nil
}

// stubQueue records tasks without running them.
type stubQueue struct {
	mu    sync.Mutex
	tasks []tasks.Task
}

func (q *stubQueue) Enqueue(ctx context.Context, task tasks.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, task)
	return nil
}

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeDocs, *fakeSearch, *tasks.MemoryQueue) {
	t.Helper()
	docs := newFakeDocs()
	search := newFakeSearch()
	c := NewCoordinator(docs, search)
	q := tasks.NewMemoryQueue(c, tasks.WithBackoff(0))
	c.BindQueue(q)
	return c, docs, search, q
}

func TestCreateObjectStream_BecomesSearchable(t *testing.T) {
	c, docs, search, q := newTestCoordinator(t)
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid", "total": 42}`))
	require.NoError(t, err)
	require.NotEmpty(t, meta.ID)
	assert.Equal(t, "order-1.json", meta.DocumentName)
	assert.Equal(t, int64(31), meta.ContentLength)

	q.Drain()

	doc, err := c.GetObjectBody(ctx, "orders", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "paid", "total": float64(42)}, doc)
	assert.False(t, docs.hasBody(meta.ID), "chunks are garbage-collected after indexing")
	assert.True(t, search.aliases["orders"], "namespace index is bootstrapped")
}

func TestCreateObject_FastPath(t *testing.T) {
	c, _, _, q := newTestCoordinator(t)
	ctx := context.Background()

	meta, err := c.CreateObject(ctx, "orders", "order-1.json",
		map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, int64(len(`{"status":"paid"}`)), meta.ContentLength)

	q.Drain()

	doc, err := c.GetObjectBody(ctx, "orders", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", doc["status"])
}

func TestGetObjectBody_BeforeIndexing(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	stub := &stubQueue{}
	c.BindQueue(stub)
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)

	_, err = c.GetObjectBody(ctx, "orders", meta.ID)
	assert.Equal(t, KindInProgress, KindOf(err))

	require.Len(t, stub.tasks, 1)
	assert.Equal(t, tasks.KindIndexDocument, stub.tasks[0].Kind)
	assert.Equal(t, meta.ID, stub.tasks[0].ObjectID)
}

func TestGetObjectBody_Missing(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	_, err := c.GetObjectBody(context.Background(), "orders", uuid.NewString())
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestIndexing_RetriesTransientFailures(t *testing.T) {
	c, _, search, q := newTestCoordinator(t)
	search.insertFailures = 2
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)

	q.Drain()

	doc, err := c.GetObjectBody(ctx, "orders", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", doc["status"])
}

func TestIndexing_NonObjectBodyIsPermanent(t *testing.T) {
	c, docs, search, q := newTestCoordinator(t)
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`[1, 2, 3]`))
	require.NoError(t, err)

	q.Drain()

	assert.Empty(t, search.docs["orders"], "arrays must not be indexed")
	assert.True(t, docs.hasBody(meta.ID), "body stays for inspection")

	_, err = c.GetObjectBody(ctx, "orders", meta.ID)
	assert.Equal(t, KindInProgress, KindOf(err))
}

func TestDeleteObject(t *testing.T) {
	c, _, search, q := newTestCoordinator(t)
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)
	q.Drain()

	require.NoError(t, c.DeleteObject(ctx, "orders", meta.ID))
	assert.Empty(t, search.docs["orders"])

	err = c.DeleteObject(ctx, "orders", meta.ID)
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestGetObjectMeta(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)

	got, err := c.GetObjectMeta(ctx, "orders", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, meta.ID, got.ID)

	_, err = c.GetObjectMeta(ctx, "orders", uuid.NewString())
	assert.Equal(t, KindNotFound, KindOf(err))
}

func TestListNamespace_ClampsLimit(t *testing.T) {
	c, docs, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	_, err := c.ListNamespace(ctx, "orders", 0, "")
	require.NoError(t, err)
	assert.Equal(t, DefaultListLimit, docs.listOpts.Limit)

	_, err = c.ListNamespace(ctx, "orders", 10_000, "")
	require.NoError(t, err)
	assert.Equal(t, MaxListLimit, docs.listOpts.Limit)

	_, err = c.ListNamespace(ctx, "orders", 10, "not-a-uuid")
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestSetSearchSchema_NewNamespace(t *testing.T) {
	c, _, search, _ := newTestCoordinator(t)
	ctx := context.Background()

	err := c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"})
	require.NoError(t, err)

	require.Contains(t, search.mappings, "orders")
	props := search.mappings["orders"]["mappings"].(map[string]any)["properties"].(map[string]any)
	assert.Contains(t, props, "status")
	assert.Empty(t, search.reindexed, "fresh namespaces are not reindexed")
}

func TestSetSearchSchema_ExistingNamespaceReindexes(t *testing.T) {
	c, _, search, q := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))
	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"total": "$.total"}))
	q.Drain()

	assert.Equal(t, []string{"orders"}, search.reindexed)

	// The rebuild released the namespace for the next schema change.
	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))
	q.Drain()
	assert.Len(t, search.reindexed, 2)
}

func TestSetSearchSchema_ConcurrentReindexConflicts(t *testing.T) {
	c, _, search, _ := newTestCoordinator(t)
	stub := &stubQueue{}
	c.BindQueue(stub)
	ctx := context.Background()
	search.aliases["orders"] = true

	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))
	require.Len(t, stub.tasks, 1)
	assert.Equal(t, tasks.KindReindexNamespace, stub.tasks[0].Kind)

	err := c.SetSearchSchema(ctx, "orders", translator.Schema{"total": "$.total"})
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestSetSearchSchema_ThenFirstIngestBootstrapsTables(t *testing.T) {
	c, docs, _, q := newTestCoordinator(t)
	ctx := context.Background()

	// Installing a schema first must not make the first ingest skip the
	// table DDL.
	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))

	meta, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)
	assert.True(t, docs.ensured["orders"])

	q.Drain()

	doc, err := c.GetObjectBody(ctx, "orders", meta.ID)
	require.NoError(t, err)
	assert.Equal(t, "paid", doc["status"])
}

func TestSetSearchSchema_ConcurrentUpdatesRaceOnce(t *testing.T) {
	c, _, search, _ := newTestCoordinator(t)
	stub := &stubQueue{}
	c.BindQueue(stub)
	ctx := context.Background()
	search.aliases["orders"] = true

	entered := make(chan struct{})
	proceed := make(chan struct{})
	search.blockCreate = entered
	search.releaseCreate = proceed

	first := make(chan error, 1)
	go func() {
		first <- c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"})
	}()
	<-entered

	// The first update is still inside the index call; a second one must
	// already see the namespace as claimed.
	err := c.SetSearchSchema(ctx, "orders", translator.Schema{"total": "$.total"})
	assert.Equal(t, KindConflict, KindOf(err))

	close(proceed)
	require.NoError(t, <-first)

	require.Len(t, stub.tasks, 1)
	assert.Equal(t, tasks.KindReindexNamespace, stub.tasks[0].Kind)
}

func TestSetSearchSchema_InvalidSchema(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	err := c.SetSearchSchema(ctx, "orders", translator.Schema{})
	assert.Equal(t, KindBadRequest, KindOf(err))

	err = c.SetSearchSchema(ctx, "orders", translator.Schema{"bad": "status"})
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestSearchObjects(t *testing.T) {
	c, _, search, q := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))
	_, err := c.CreateObjectStream(ctx, "orders", "order-1.json",
		strings.NewReader(`{"status": "paid"}`))
	require.NoError(t, err)
	q.Drain()

	docs, err := c.SearchObjects(ctx, "orders", `$.status == "paid"`, searchstore.SearchOptions{})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "paid", docs[0]["status"])

	assert.Equal(t, map[string]any{
		"query": map[string]any{"term": map[string]any{"status": "paid"}},
	}, search.lastQuery)
	assert.Equal(t, DefaultSearchSize, search.lastOpts.Size)
}

func TestSearchObjects_WithoutSchema(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	_, err := c.SearchObjects(context.Background(), "orders", `$.status == "paid"`, searchstore.SearchOptions{})
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestSearchObjects_BadFilter(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)
	ctx := context.Background()

	require.NoError(t, c.SetSearchSchema(ctx, "orders", translator.Schema{"status": "$.status"}))

	_, err := c.SearchObjects(ctx, "orders", `status = paid`, searchstore.SearchOptions{})
	assert.Equal(t, KindBadRequest, KindOf(err))
}

func TestNamespaces_Sorted(t *testing.T) {
	c, _, _, q := newTestCoordinator(t)
	ctx := context.Background()

	for _, ns := range []string{"orders", "archive", "users"} {
		_, err := c.CreateObjectStream(ctx, ns, "doc.json", strings.NewReader(`{}`))
		require.NoError(t, err)
	}
	q.Drain()

	assert.Equal(t, []string{"archive", "orders", "users"}, c.Namespaces())
}

func TestCreateObjectStream_InvalidNamespace(t *testing.T) {
	c, _, _, _ := newTestCoordinator(t)

	_, err := c.CreateObjectStream(context.Background(), "not-valid!", "doc.json", strings.NewReader(`{}`))
	assert.Equal(t, KindBadRequest, KindOf(err))
}
