package searchstore

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newFakeStore wires the client against an httptest server standing in for
// the cluster. The product header must be present or the client rejects
// every response.
func newFakeStore(t *testing.T, handler http.HandlerFunc) *Store {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	client, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: []string{srv.URL}})
	require.NoError(t, err)
	return NewWithClient(client)
}

func TestInsertDocument(t *testing.T) {
	var gotPath, gotRefresh string
	var gotBody map[string]any

	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotRefresh = r.URL.Query().Get("refresh")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"result": "created"})
	})

	err := store.InsertDocument(t.Context(), "orders", "doc-1", map[string]any{"status": "paid"})
	require.NoError(t, err)
	assert.Equal(t, "/orders/_doc/doc-1", gotPath)
	assert.Equal(t, "wait_for", gotRefresh)
	assert.Equal(t, map[string]any{"status": "paid"}, gotBody)
}

func TestInsertDocument_UnexpectedResult(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": "noop"})
	})

	err := store.InsertDocument(t.Context(), "orders", "doc-1", map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "noop")
}

func TestGetDocument(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/_doc/doc-1", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"found":   true,
			"_source": map[string]any{"status": "paid"},
		})
	})

	doc, err := store.GetDocument(t.Context(), "orders", "doc-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "paid"}, doc)
}

func TestGetDocument_Missing(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"found": false})
	})

	doc, err := store.GetDocument(t.Context(), "orders", "doc-1")
	require.NoError(t, err)
	assert.Nil(t, doc)
}

func TestDeleteDocument(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		json.NewEncoder(w).Encode(map[string]any{"result": "deleted"})
	})

	deleted, err := store.DeleteDocument(t.Context(), "orders", "doc-1")
	require.NoError(t, err)
	assert.True(t, deleted)
}

func TestDeleteDocument_Missing(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"result": "not_found"})
	})

	deleted, err := store.DeleteDocument(t.Context(), "orders", "doc-1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestSearch_FlattensHits(t *testing.T) {
	var gotSize, gotFrom string
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		gotSize = r.URL.Query().Get("size")
		gotFrom = r.URL.Query().Get("from")
		json.NewEncoder(w).Encode(map[string]any{
			"hits": map[string]any{
				"hits": []any{
					map[string]any{"_id": "a", "_source": map[string]any{"status": "paid"}},
					map[string]any{"_id": "b", "_source": map[string]any{"status": "shipped"}},
				},
			},
		})
	})

	docs, err := store.Search(t.Context(), "orders",
		map[string]any{"query": map[string]any{"match_all": map[string]any{}}},
		SearchOptions{Size: 10, From: 5})
	require.NoError(t, err)
	assert.Equal(t, []map[string]any{
		{"status": "paid"},
		{"status": "shipped"},
	}, docs)
	assert.Equal(t, "10", gotSize)
	assert.Equal(t, "5", gotFrom)
}

func TestCreateIndex_AliasAlreadyExists(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.WriteHeader(http.StatusOK)
	})

	created, err := store.CreateIndex(t.Context(), "orders", nil)
	require.NoError(t, err)
	assert.False(t, created)
}

func TestCreateIndex_CreatesAliasedIndex(t *testing.T) {
	var createdIndex string
	var createBody map[string]any

	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut:
			createdIndex = strings.TrimPrefix(r.URL.Path, "/")
			require.NoError(t, json.NewDecoder(r.Body).Decode(&createBody))
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	mapping := map[string]any{
		"mappings": map[string]any{
			"properties": map[string]any{"status": map[string]any{"type": "keyword"}},
		},
	}
	created, err := store.CreateIndex(t.Context(), "orders", mapping)
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, strings.HasPrefix(createdIndex, "orders_"), createdIndex)

	aliases := createBody["aliases"].(map[string]any)
	assert.Contains(t, aliases, "orders")
	assert.Contains(t, createBody, "mappings")
}

func TestReindexAlias_SwapsAtomically(t *testing.T) {
	var newIndex string
	var reindexBody map[string]any
	var aliasActions []any
	var deletedOld bool

	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/orders":
			json.NewEncoder(w).Encode(map[string]any{"orders_old": map[string]any{}})
		case r.Method == http.MethodPut:
			newIndex = strings.TrimPrefix(r.URL.Path, "/")
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case r.Method == http.MethodPost && r.URL.Path == "/_reindex":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&reindexBody))
			json.NewEncoder(w).Encode(map[string]any{"failures": []any{}})
		case r.Method == http.MethodPost && r.URL.Path == "/_aliases":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			aliasActions = body["actions"].([]any)
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case r.Method == http.MethodDelete && r.URL.Path == "/orders_old":
			deletedOld = true
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	got, err := store.ReindexAlias(t.Context(), "orders", map[string]any{
		"mappings": map[string]any{"properties": map[string]any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, newIndex, got)
	assert.True(t, strings.HasPrefix(got, "orders_"))
	assert.NotEqual(t, "orders_old", got)

	// The copy reads through the alias so in-flight writes land in both.
	assert.Equal(t, "orders", reindexBody["source"].(map[string]any)["index"])
	assert.Equal(t, newIndex, reindexBody["dest"].(map[string]any)["index"])
	assert.Equal(t, "proceed", reindexBody["conflicts"])

	require.Len(t, aliasActions, 2)
	remove := aliasActions[0].(map[string]any)["remove"].(map[string]any)
	add := aliasActions[1].(map[string]any)["add"].(map[string]any)
	assert.Equal(t, "orders_old", remove["index"])
	assert.Equal(t, newIndex, add["index"])
	assert.True(t, deletedOld)
}

func TestReindexAlias_CopyFailureRollsBack(t *testing.T) {
	var deletedNew string
	var swapped bool

	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/_alias/orders":
			json.NewEncoder(w).Encode(map[string]any{"orders_old": map[string]any{}})
		case r.Method == http.MethodPut:
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case r.Method == http.MethodPost && r.URL.Path == "/_reindex":
			json.NewEncoder(w).Encode(map[string]any{"failures": []any{
				map[string]any{"id": "doc-1", "cause": "boom"},
			}})
		case r.Method == http.MethodPost && r.URL.Path == "/_aliases":
			swapped = true
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		case r.Method == http.MethodDelete:
			deletedNew = strings.TrimPrefix(r.URL.Path, "/")
			json.NewEncoder(w).Encode(map[string]any{"acknowledged": true})
		default:
			t.Fatalf("unexpected request %s %s", r.Method, r.URL.Path)
		}
	})

	_, err := store.ReindexAlias(t.Context(), "orders", nil)
	require.Error(t, err)
	assert.False(t, swapped, "alias must not move when the copy fails")
	assert.True(t, strings.HasPrefix(deletedNew, "orders_"))
	assert.NotEqual(t, "orders_old", deletedNew)
}

func TestReindexAlias_MissingAlias(t *testing.T) {
	store := newFakeStore(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]any{"error": "alias missing"})
	})

	_, err := store.ReindexAlias(t.Context(), "orders", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestNewPhysicalName_Unique(t *testing.T) {
	a := NewPhysicalName("orders")
	b := NewPhysicalName("orders")
	assert.True(t, strings.HasPrefix(a, "orders_"))
	assert.NotEqual(t, a, b)
}
