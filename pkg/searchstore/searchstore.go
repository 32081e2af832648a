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

// Package searchstore wraps the Elasticsearch client behind the small
// surface the document store needs: per-document CRUD, filtered search,
// and alias-based index management. Namespaces are always addressed
// through their alias; physical index names are an internal detail that
// only the reindex protocol touches.
package searchstore

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	elasticsearch "github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
)

// Store talks to a single Elasticsearch cluster.
type Store struct {
	client *elasticsearch.Client
}

// New connects to the cluster at dsn.
func New(dsn string) (*Store, error) {
	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: []string{dsn},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create search client: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *elasticsearch.Client) *Store {
	return &Store{client: client}
}

// SearchOptions controls result paging.
type SearchOptions struct {
	Size int
	From int
}

// InsertDocument indexes a document under the given id and waits for it to
// become searchable before returning.
func (s *Store) InsertDocument(ctx context.Context, index, id string, doc map[string]any) error {
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serializing document: %w", err)
	}

	res, err := s.client.Index(index, bytes.NewReader(raw),
		s.client.Index.WithContext(ctx),
		s.client.Index.WithDocumentID(id),
		s.client.Index.WithRefresh("wait_for"),
	)
	if err != nil {
		return fmt.Errorf("indexing document: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "indexing document")
	}

	var reply struct {
		Result string `json:"result"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decoding index response: %w", err)
	}
	if reply.Result != "created" && reply.Result != "updated" {
		return fmt.Errorf("unexpected index result %q", reply.Result)
	}
	return nil
}

// GetDocument fetches an indexed document's source. It returns nil when
// the document (or the index behind the alias) does not exist.
func (s *Store) GetDocument(ctx context.Context, index, id string) (map[string]any, error) {
	res, err := s.client.Get(index, id, s.client.Get.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("fetching document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseError(res, "fetching document")
	}

	var reply struct {
		Source map[string]any `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return reply.Source, nil
}

// DeleteDocument removes a document from the index. It reports false when
// nothing was indexed under the id.
func (s *Store) DeleteDocument(ctx context.Context, index, id string) (bool, error) {
	res, err := s.client.Delete(index, id, s.client.Delete.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("deleting document: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, responseError(res, "deleting document")
	}
	return true, nil
}

// Search runs a query body against the index and returns the matching
// documents' sources in ranking order.
func (s *Store) Search(ctx context.Context, index string, query map[string]any, opts SearchOptions) ([]map[string]any, error) {
	raw, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("serializing query: %w", err)
	}

	params := []func(*esapi.SearchRequest){
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(bytes.NewReader(raw)),
	}
	if opts.Size > 0 {
		params = append(params, s.client.Search.WithSize(opts.Size))
	}
	if opts.From > 0 {
		params = append(params, s.client.Search.WithFrom(opts.From))
	}

	res, err := s.client.Search(params...)
	if err != nil {
		return nil, fmt.Errorf("searching: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, responseError(res, "searching")
	}

	var reply struct {
		Hits struct {
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	docs := make([]map[string]any, 0, len(reply.Hits.Hits))
	for _, hit := range reply.Hits.Hits {
		docs = append(docs, hit.Source)
	}
	return docs, nil
}

// EnsureIndex makes sure an alias exists, creating a fresh dynamically
// mapped physical index behind it when it does not. Idempotent.
func (s *Store) EnsureIndex(ctx context.Context, alias string) error {
	_, err := s.CreateIndex(ctx, alias, nil)
	return err
}

// CreateIndex creates a new physical index behind the alias, with the
// given mapping body when one is provided. It reports false without
// touching anything when the alias already exists.
func (s *Store) CreateIndex(ctx context.Context, alias string, mapping map[string]any) (bool, error) {
	exists, err := s.aliasExists(ctx, alias)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	body := map[string]any{
		"aliases": map[string]any{alias: map[string]any{}},
	}
	for k, v := range mapping {
		body[k] = v
	}
	if err := s.createPhysical(ctx, NewPhysicalName(alias), body); err != nil {
		return false, err
	}
	return true, nil
}

// ReindexAlias rebuilds the index behind an alias with a new mapping and
// swaps the alias over in a single atomic update, so readers never observe
// a missing or half-filled index. It returns the new physical index name.
// On any failure before the swap the new index is removed and the alias
// keeps pointing at the old data.
func (s *Store) ReindexAlias(ctx context.Context, alias string, mapping map[string]any) (string, error) {
	oldIndices, err := s.aliasTargets(ctx, alias)
	if err != nil {
		return "", err
	}
	if len(oldIndices) == 0 {
		return "", fmt.Errorf("alias %q does not exist", alias)
	}

	newName := NewPhysicalName(alias)
	if err := s.createPhysical(ctx, newName, mapping); err != nil {
		return "", err
	}

	if err := s.copyDocuments(ctx, alias, newName); err != nil {
		s.deleteIndex(ctx, newName)
		return "", err
	}

	actions := make([]map[string]any, 0, len(oldIndices)+1)
	for _, old := range oldIndices {
		actions = append(actions, map[string]any{
			"remove": map[string]any{"index": old, "alias": alias},
		})
	}
	actions = append(actions, map[string]any{
		"add": map[string]any{"index": newName, "alias": alias},
	})
	if err := s.updateAliases(ctx, actions); err != nil {
		s.deleteIndex(ctx, newName)
		return "", err
	}

	// The swap is done; old physical indices are unreachable and their
	// removal is best effort.
	for _, old := range oldIndices {
		s.deleteIndex(ctx, old)
	}
	return newName, nil
}

// NewPhysicalName derives a unique physical index name for an alias.
func NewPhysicalName(alias string) string {
	suffix := make([]byte, 8)
	rand.Read(suffix)
	return alias + "_" + hex.EncodeToString(suffix)
}

func (s *Store) aliasExists(ctx context.Context, alias string) (bool, error) {
	res, err := s.client.Indices.ExistsAlias([]string{alias},
		s.client.Indices.ExistsAlias.WithContext(ctx))
	if err != nil {
		return false, fmt.Errorf("checking alias %q: %w", alias, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if res.IsError() {
		return false, responseError(res, "checking alias")
	}
	return true, nil
}

func (s *Store) aliasTargets(ctx context.Context, alias string) ([]string, error) {
	res, err := s.client.Indices.GetAlias(
		s.client.Indices.GetAlias.WithContext(ctx),
		s.client.Indices.GetAlias.WithName(alias),
	)
	if err != nil {
		return nil, fmt.Errorf("resolving alias %q: %w", alias, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.IsError() {
		return nil, responseError(res, "resolving alias")
	}

	targets := map[string]any{}
	if err := json.NewDecoder(res.Body).Decode(&targets); err != nil {
		return nil, fmt.Errorf("decoding alias response: %w", err)
	}

	names := make([]string, 0, len(targets))
	for name := range targets {
		names = append(names, name)
	}
	return names, nil
}

func (s *Store) createPhysical(ctx context.Context, name string, body map[string]any) error {
	params := []func(*esapi.IndicesCreateRequest){
		s.client.Indices.Create.WithContext(ctx),
	}
	if len(body) > 0 {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("serializing index body: %w", err)
		}
		params = append(params, s.client.Indices.Create.WithBody(bytes.NewReader(raw)))
	}

	res, err := s.client.Indices.Create(name, params...)
	if err != nil {
		return fmt.Errorf("creating index %q: %w", name, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "creating index")
	}
	return nil
}

// copyDocuments reindexes every document reachable through the alias into
// the destination index and waits for completion.
func (s *Store) copyDocuments(ctx context.Context, alias, dest string) error {
	body, err := json.Marshal(map[string]any{
		"source":    map[string]any{"index": alias},
		"dest":      map[string]any{"index": dest},
		"conflicts": "proceed",
	})
	if err != nil {
		return fmt.Errorf("serializing reindex body: %w", err)
	}

	res, err := s.client.Reindex(bytes.NewReader(body),
		s.client.Reindex.WithContext(ctx),
		s.client.Reindex.WithRefresh(true),
		s.client.Reindex.WithWaitForCompletion(true),
	)
	if err != nil {
		return fmt.Errorf("copying documents: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "copying documents")
	}

	var reply struct {
		Failures []json.RawMessage `json:"failures"`
	}
	if err := json.NewDecoder(res.Body).Decode(&reply); err != nil {
		return fmt.Errorf("decoding reindex response: %w", err)
	}
	if len(reply.Failures) > 0 {
		return fmt.Errorf("copying documents: %d documents failed", len(reply.Failures))
	}
	return nil
}

func (s *Store) updateAliases(ctx context.Context, actions []map[string]any) error {
	raw, err := json.Marshal(map[string]any{"actions": actions})
	if err != nil {
		return fmt.Errorf("serializing alias actions: %w", err)
	}

	res, err := s.client.Indices.UpdateAliases(bytes.NewReader(raw),
		s.client.Indices.UpdateAliases.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("swapping alias: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return responseError(res, "swapping alias")
	}
	return nil
}

func (s *Store) deleteIndex(ctx context.Context, name string) {
	res, err := s.client.Indices.Delete([]string{name},
		s.client.Indices.Delete.WithContext(ctx))
	if err != nil {
		return
	}
	res.Body.Close()
}

func responseError(res *esapi.Response, action string) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return fmt.Errorf("%s: %s: %s", action, res.Status(), bytes.TrimSpace(body))
}
