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

// Package tasks defines the background work the document store defers:
// indexing freshly ingested documents and rebuilding namespace indices.
// Two queue implementations carry the tasks, an in-process one for tests
// and single-node deployments and an AMQP-backed one for everything else.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Task kinds.
const (
	KindIndexDocument    = "index_document"
	KindReindexNamespace = "reindex_namespace"
)

// DefaultMaxAttempts bounds retries for transient failures.
const DefaultMaxAttempts = 10

// Task is one unit of deferred work. Kind selects the handler; the other
// fields parameterize it.
type Task struct {
	Kind      string          `json:"kind"`
	Namespace string          `json:"namespace,omitempty"`
	ObjectID  string          `json:"objectId,omitempty"`
	Alias     string          `json:"alias,omitempty"`
	Mapping   json.RawMessage `json:"mapping,omitempty"`
	Attempt   int             `json:"attempt"`
}

// Queue accepts tasks for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
}

// Handler executes tasks. Returning an error wrapped in Permanent stops
// retries; any other error is treated as transient.
type Handler interface {
	HandleTask(ctx context.Context, task Task) error
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string {
	return e.err.Error()
}

func (e *permanentError) Unwrap() error {
	return e.err
}

// Permanent wraps err so the queue drops the task instead of retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Permanentf is Permanent over a formatted error.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
