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
	"strconv"

	"github.com/kadirpekel/stratum/pkg/jsonpath"
)

// Node is a compiled filter-expression node.
type Node interface {
	clause() map[string]any
}

type condNode struct {
	path  IndexPath
	op    string // "==", "gt", "gte", "lt", "lte"
	value any
}

type notNode struct {
	x Node
}

type andNode struct {
	terms []Node
}

type orNode struct {
	terms []Node
}

var rangeOps = map[string]string{
	">":  "gt",
	">=": "gte",
	"<":  "lt",
	"<=": "lte",
}

// CompileFilter parses a filter expression and compiles it into a search
// query body of the form {"query": <clause>}.
func CompileFilter(input string) (map[string]any, error) {
	node, err := ParseFilter(input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query": node.clause()}, nil
}

// ParseFilter parses a filter expression into its query tree. Inequality
// conditions are rewritten to a negated equality at parse time so the tree
// only ever carries "==" and range operators.
func ParseFilter(input string) (Node, error) {
	lex := newLexer(input)
	tokens, err := lex.tokenize()
	if err != nil {
		return nil, err
	}

	p := &filterParser{tokens: tokens}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}

	if tok := p.peek(); tok.typ != tokenEOF {
		return nil, &ParseError{Message: "trailing tokens after expression", Pos: tok.pos, Got: tok.val}
	}
	return node, nil
}

type filterParser struct {
	tokens []token
	pos    int
}

func (p *filterParser) peek() token {
	return p.tokens[p.pos]
}

func (p *filterParser) advance() token {
	tok := p.tokens[p.pos]
	if tok.typ != tokenEOF {
		p.pos++
	}
	return tok
}

// parseOr parses: and ('||' and)*
func (p *filterParser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}

	terms := []Node{left}
	for p.peek().typ == tokenOr {
		p.advance()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}

	if len(terms) == 1 {
		return left, nil
	}
	return &orNode{terms: terms}, nil
}

// parseAnd parses: unary ('&&' unary)*
func (p *filterParser) parseAnd() (Node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}

	terms := []Node{left}
	for p.peek().typ == tokenAnd {
		p.advance()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		terms = append(terms, right)
	}

	if len(terms) == 1 {
		return left, nil
	}
	return &andNode{terms: terms}, nil
}

// parseUnary parses: '!' unary | primary
func (p *filterParser) parseUnary() (Node, error) {
	if p.peek().typ == tokenNot {
		p.advance()
		x, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &notNode{x: x}, nil
	}
	return p.parsePrimary()
}

// parsePrimary parses: '(' or ')' | condition
func (p *filterParser) parsePrimary() (Node, error) {
	if p.peek().typ == tokenLParen {
		p.advance()
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		tok := p.advance()
		if tok.typ != tokenRParen {
			return nil, &ParseError{Message: "expected ')'", Pos: tok.pos, Got: got(tok)}
		}
		return node, nil
	}
	return p.parseCondition()
}

// parseCondition parses: PATH OP literal
func (p *filterParser) parseCondition() (Node, error) {
	pathTok := p.advance()
	if pathTok.typ != tokenPath {
		return nil, &ParseError{Message: "expected a JSONPath", Pos: pathTok.pos, Got: got(pathTok)}
	}

	segments, err := jsonpath.Parse(pathTok.val)
	if err != nil {
		return nil, &ParseError{Message: err.Error(), Pos: pathTok.pos, Got: pathTok.val}
	}
	indexPath, err := ToIndexPath(segments)
	if err != nil {
		return nil, &ParseError{Message: err.Error(), Pos: pathTok.pos, Got: pathTok.val}
	}

	opTok := p.advance()
	if opTok.typ != tokenOp {
		return nil, &ParseError{Message: "expected a comparison operator", Pos: opTok.pos, Got: got(opTok)}
	}

	value, err := p.parseLiteral()
	if err != nil {
		return nil, err
	}

	switch opTok.val {
	case "==":
		return &condNode{path: indexPath, op: "==", value: value}, nil
	case "!=":
		return &notNode{x: &condNode{path: indexPath, op: "==", value: value}}, nil
	default:
		return &condNode{path: indexPath, op: rangeOps[opTok.val], value: value}, nil
	}
}

func (p *filterParser) parseLiteral() (any, error) {
	tok := p.advance()
	switch tok.typ {
	case tokenString:
		return tok.val, nil
	case tokenNumber:
		if i, err := strconv.ParseInt(tok.val, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(tok.val, 64)
		if err != nil {
			return nil, &ParseError{Message: "malformed number", Pos: tok.pos, Got: tok.val}
		}
		return f, nil
	case tokenBool:
		return tok.val == "true", nil
	case tokenNull:
		return nil, nil
	default:
		return nil, &ParseError{Message: "expected a literal", Pos: tok.pos, Got: got(tok)}
	}
}

func got(tok token) string {
	if tok.typ == tokenEOF {
		return "end of input"
	}
	return tok.val
}

func (n *condNode) clause() map[string]any {
	var inner map[string]any
	if n.op == "==" {
		inner = map[string]any{"term": map[string]any{n.path.Field: n.value}}
	} else {
		inner = map[string]any{"range": map[string]any{n.path.Field: map[string]any{n.op: n.value}}}
	}

	if n.path.IsNested {
		return map[string]any{
			"nested": map[string]any{
				"path":  n.path.NestedPath,
				"query": inner,
			},
		}
	}
	return inner
}

func (n *notNode) clause() map[string]any {
	return map[string]any{
		"bool": map[string]any{
			"must_not": []any{n.x.clause()},
		},
	}
}

func (n *andNode) clause() map[string]any {
	clauses := make([]any, len(n.terms))
	for i, t := range n.terms {
		clauses[i] = t.clause()
	}
	return map[string]any{
		"bool": map[string]any{"must": clauses},
	}
}

func (n *orNode) clause() map[string]any {
	clauses := make([]any, len(n.terms))
	for i, t := range n.terms {
		clauses[i] = t.clause()
	}
	return map[string]any{
		"bool": map[string]any{
			"should":               clauses,
			"minimum_should_match": 1,
		},
	}
}
