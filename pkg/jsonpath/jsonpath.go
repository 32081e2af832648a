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

// Package jsonpath parses the restricted JSONPath sublanguage used by
// search schemas and filter expressions.
//
// Supported paths are absolute dotted paths from the root:
//
//	$
//	$.user.status
//	$.items[*].productId
//
// No filters, no descendant ('..'), no bracketed names, no wildcards other
// than the '[*]' array marker.
package jsonpath

import (
	"fmt"
	"regexp"
	"strings"
)

// Segment is a single step of a parsed path: a field name plus whether the
// segment carries an '[*]' array marker.
type Segment struct {
	Name    string
	IsArray bool
}

// ParseError describes a rejected path and names the offending token.
type ParseError struct {
	Path    string
	Token   string
	Message string
}

func (e *ParseError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("invalid JSONPath %q: %s at %q", e.Path, e.Message, e.Token)
	}
	return fmt.Sprintf("invalid JSONPath %q: %s", e.Path, e.Message)
}

var (
	rootPattern    = regexp.MustCompile(`^\$(?:\.(.*))?$`)
	segmentPattern = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)(\[\*\])?$`)
)

// Parse parses path into its ordered segments. The bare root "$" yields an
// empty segment list.
func Parse(path string) ([]Segment, error) {
	m := rootPattern.FindStringSubmatch(strings.TrimSpace(path))
	if m == nil {
		return nil, &ParseError{Path: path, Message: "only absolute paths starting with '$' are supported"}
	}

	inner := m[1]
	if inner == "" {
		return []Segment{}, nil
	}

	segments := make([]Segment, 0, strings.Count(inner, ".")+1)
	for _, raw := range strings.Split(inner, ".") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil, &ParseError{Path: path, Message: "empty path segment"}
		}

		sm := segmentPattern.FindStringSubmatch(raw)
		if sm == nil {
			return nil, &ParseError{Path: path, Token: raw, Message: "unsupported path segment"}
		}

		segments = append(segments, Segment{Name: sm[1], IsArray: sm[2] != ""})
	}

	return segments, nil
}
