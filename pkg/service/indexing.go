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

package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kadirpekel/stratum/pkg/tasks"
)

// HandleTask executes the coordinator's deferred work. It satisfies
// tasks.Handler.
func (c *Coordinator) HandleTask(ctx context.Context, task tasks.Task) error {
	start := time.Now()
	var err error

	switch task.Kind {
	case tasks.KindIndexDocument:
		err = c.indexDocument(ctx, task)
	case tasks.KindReindexNamespace:
		err = c.reindexNamespace(ctx, task)
	default:
		err = tasks.Permanentf("unknown task kind %q", task.Kind)
	}

	c.metrics.RecordTask(ctx, task.Kind, taskResult(err), time.Since(start))
	return err
}

func taskResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case tasks.IsPermanent(err):
		return "permanent_failure"
	default:
		return "transient_failure"
	}
}

// indexDocument loads a document's raw body, decodes it, pushes it into
// the namespace index, and garbage-collects the chunk rows. A missing body
// means the document was already indexed or deleted, which is success. A
// body that is not a JSON object gets one re-read before the task is
// declared unindexable, in case a torn read raced the ingest transaction.
func (c *Coordinator) indexDocument(ctx context.Context, task tasks.Task) error {
	body, err := c.docs.ReadBody(ctx, task.ObjectID)
	if err != nil {
		return fmt.Errorf("reading document body: %w", err)
	}
	if body == nil {
		return nil
	}

	// Workers on other nodes may see a namespace before its local
	// bootstrap ran; the index must exist before the insert.
	if err := c.search.EnsureIndex(ctx, task.Namespace); err != nil {
		return fmt.Errorf("ensuring index for %s: %w", task.Namespace, err)
	}

	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		if task.Attempt >= 1 {
			return tasks.Permanentf("document %s is not a JSON object: %v", task.ObjectID, err)
		}
		return fmt.Errorf("document %s is not a JSON object: %w", task.ObjectID, err)
	}

	if err := c.search.InsertDocument(ctx, task.Namespace, task.ObjectID, doc); err != nil {
		return fmt.Errorf("indexing document %s: %w", task.ObjectID, err)
	}

	if err := c.docs.DeleteChunks(ctx, task.ObjectID); err != nil {
		// The document is searchable; leaking chunks until the next
		// delete is preferable to re-running the whole task.
		c.logger.Warn("failed to garbage-collect chunks",
			"objectId", task.ObjectID, "error", err)
	}

	c.logger.Debug("document indexed",
		"namespace", task.Namespace, "objectId", task.ObjectID)
	return nil
}

// reindexNamespace rebuilds the namespace index behind its alias. The
// rebuild either completes and swaps, or rolls itself back; both outcomes
// release the namespace for the next schema change, so failures are not
// retried.
func (c *Coordinator) reindexNamespace(ctx context.Context, task tasks.Task) error {
	defer func() {
		c.mu.Lock()
		delete(c.reindexing, task.Namespace)
		c.mu.Unlock()
	}()

	var mapping map[string]any
	if err := json.Unmarshal(task.Mapping, &mapping); err != nil {
		return tasks.Permanentf("undecodable mapping for namespace %s: %v", task.Namespace, err)
	}

	physical, err := c.search.ReindexAlias(ctx, task.Alias, mapping)
	if err != nil {
		return tasks.Permanentf("reindexing namespace %s: %v", task.Namespace, err)
	}

	c.metrics.RecordReindex(ctx, task.Namespace)
	c.logger.Info("namespace reindexed",
		"namespace", task.Namespace, "index", physical)
	return nil
}
