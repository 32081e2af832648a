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

// Package translator compiles search schemas into index mappings and
// filter expressions into search-engine query trees.
package translator

import (
	"errors"
	"strings"

	"github.com/kadirpekel/stratum/pkg/jsonpath"
)

// IndexPath is the indexable form of a parsed JSONPath.
//
//	$.user.status          -> Field "user.status"
//	$.tags[*]              -> Field "tags"
//	$.items[*].productId   -> Field "items.productId", NestedPath "items"
//	$.order.items[*].price -> Field "order.items.price", NestedPath "order.items"
type IndexPath struct {
	Field      string
	IsNested   bool
	NestedPath string
}

// ErrEmptyPath is returned when an empty segment list reaches ToIndexPath.
// Callers are expected to parse paths first; hitting this is a programming
// error on their side.
var ErrEmptyPath = errors.New("empty segment list is not a valid field path")

// ToIndexPath converts parsed segments into the field addressed in the
// search index. The nested path, when present, is the prefix up to and
// including the first array segment.
func ToIndexPath(segments []jsonpath.Segment) (IndexPath, error) {
	if len(segments) == 0 {
		return IndexPath{}, ErrEmptyPath
	}

	names := make([]string, len(segments))
	for i, s := range segments {
		names[i] = s.Name
	}
	field := strings.Join(names, ".")

	arrayFirst := -1
	for i, s := range segments {
		if s.IsArray {
			arrayFirst = i
			break
		}
	}

	// A trailing array segment addresses an array of primitives, which the
	// engine indexes as a plain multi-valued field. Nested typing only
	// applies when fields sit below the array.
	if arrayFirst < 0 || arrayFirst == len(segments)-1 {
		return IndexPath{Field: field}, nil
	}

	return IndexPath{
		Field:      field,
		IsNested:   true,
		NestedPath: strings.Join(names[:arrayFirst+1], "."),
	}, nil
}
