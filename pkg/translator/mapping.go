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

package translator

import (
	"fmt"

	"github.com/kadirpekel/stratum/pkg/jsonpath"
)

// Schema maps logical field names to JSONPath expressions.
type Schema map[string]string

// SchemaToMapping compiles a search schema into an index-mapping document.
// Every logical field becomes a keyword-typed leaf. Fields below an array
// segment are grouped under a single nested-typed property at their shared
// nested path.
//
// All leaves are deliberately keyword-typed so exact-match behaviour is
// deterministic; range queries rely on the engine's dynamic typing.
func SchemaToMapping(schema Schema) (map[string]any, error) {
	properties := map[string]any{}
	nested := map[string]map[string]any{}

	for logicalName, path := range schema {
		segments, err := jsonpath.Parse(path)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", logicalName, err)
		}

		indexPath, err := ToIndexPath(segments)
		if err != nil {
			return nil, fmt.Errorf("schema field %q: %w", logicalName, err)
		}

		if indexPath.IsNested {
			props, ok := nested[indexPath.NestedPath]
			if !ok {
				props = map[string]any{}
				nested[indexPath.NestedPath] = props
			}
			inner := indexPath.Field[len(indexPath.NestedPath)+1:]
			props[inner] = map[string]any{"type": "keyword"}
			continue
		}

		properties[indexPath.Field] = map[string]any{"type": "keyword"}
	}

	for nestedPath, props := range nested {
		properties[nestedPath] = map[string]any{
			"type":       "nested",
			"properties": props,
		}
	}

	return map[string]any{
		"mappings": map[string]any{
			"properties": properties,
		},
	}, nil
}
