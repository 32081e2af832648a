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

package tasks

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryQueue runs each task on its own goroutine with in-process retries.
// It is the queue used in tests and in deployments without a broker.
type MemoryQueue struct {
	handler     Handler
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
	wg          sync.WaitGroup
}

// MemoryQueueOption customizes a MemoryQueue.
type MemoryQueueOption func(*MemoryQueue)

// WithMaxAttempts overrides the retry bound.
func WithMaxAttempts(n int) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the delay between retries. Tests set it to zero.
func WithBackoff(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		q.backoff = d
	}
}

// NewMemoryQueue builds a queue delivering to handler.
func NewMemoryQueue(handler Handler, opts ...MemoryQueueOption) *MemoryQueue {
	q := &MemoryQueue{
		handler:     handler,
		maxAttempts: DefaultMaxAttempts,
		backoff:     time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue schedules the task and returns immediately.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		q.run(task)
	}()
	return nil
}

// Drain blocks until every enqueued task has finished, including retries.
func (q *MemoryQueue) Drain() {
	q.wg.Wait()
}

func (q *MemoryQueue) run(task Task) {
	ctx := context.Background()

	for task.Attempt < q.maxAttempts {
		err := q.handler.HandleTask(ctx, task)
		if err == nil {
			return
		}
		task.Attempt++

		if IsPermanent(err) {
			q.logger.Error("task failed permanently",
				"kind", task.Kind, "objectId", task.ObjectID, "error", err)
			return
		}
		if task.Attempt >= q.maxAttempts {
			q.logger.Error("task exhausted retries",
				"kind", task.Kind, "objectId", task.ObjectID,
				"attempts", task.Attempt, "error", err)
			return
		}

		q.logger.Warn("task failed, retrying",
			"kind", task.Kind, "objectId", task.ObjectID,
			"attempt", task.Attempt, "error", err)
		time.Sleep(q.backoff)
	}
}
