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
	"strconv"
)

// ParseError reports a rejected filter expression and the byte position of
// the offending token.
type ParseError struct {
	Message string
	Pos     int
	Got     string
}

func (e *ParseError) Error() string {
	if e.Got != "" {
		return fmt.Sprintf("filter parse error at position %d: %s (got %q)", e.Pos, e.Message, e.Got)
	}
	return fmt.Sprintf("filter parse error at position %d: %s", e.Pos, e.Message)
}

type tokenType int

const (
	tokenPath tokenType = iota // $.a.b[*].c
	tokenString
	tokenNumber
	tokenBool
	tokenNull
	tokenOp  // == != > >= < <=
	tokenAnd // &&
	tokenOr  // ||
	tokenNot // !
	tokenLParen
	tokenRParen
	tokenEOF
)

type token struct {
	typ tokenType
	val string
	pos int // byte offset in input
}

// lexer produces the token stream for the filter DSL.
type lexer struct {
	input  string
	pos    int
	tokens []token
}

func newLexer(input string) *lexer {
	return &lexer{input: input}
}

func (l *lexer) tokenize() ([]token, error) {
	for l.pos < len(l.input) {
		ch := l.input[l.pos]

		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			l.pos++
		case ch == '(':
			l.emit(tokenLParen, "(")
		case ch == ')':
			l.emit(tokenRParen, ")")
		case ch == '$':
			l.readPath()
		case ch == '"':
			if err := l.readString(); err != nil {
				return nil, err
			}
		case ch == '-' || (ch >= '0' && ch <= '9'):
			if err := l.readNumber(); err != nil {
				return nil, err
			}
		case isWordStart(ch):
			if err := l.readWord(); err != nil {
				return nil, err
			}
		case ch == '=':
			if err := l.readOperator("==", tokenOp); err != nil {
				return nil, err
			}
		case ch == '!':
			if l.pos+1 < len(l.input) && l.input[l.pos+1] == '=' {
				l.tokens = append(l.tokens, token{typ: tokenOp, val: "!=", pos: l.pos})
				l.pos += 2
			} else {
				l.emit(tokenNot, "!")
			}
		case ch == '>' || ch == '<':
			op := string(ch)
			start := l.pos
			l.pos++
			if l.pos < len(l.input) && l.input[l.pos] == '=' {
				op += "="
				l.pos++
			}
			l.tokens = append(l.tokens, token{typ: tokenOp, val: op, pos: start})
		case ch == '&':
			if err := l.readOperator("&&", tokenAnd); err != nil {
				return nil, err
			}
		case ch == '|':
			if err := l.readOperator("||", tokenOr); err != nil {
				return nil, err
			}
		default:
			return nil, &ParseError{Message: "unexpected character", Pos: l.pos, Got: string(ch)}
		}
	}

	l.tokens = append(l.tokens, token{typ: tokenEOF, pos: l.pos})
	return l.tokens, nil
}

func (l *lexer) emit(typ tokenType, val string) {
	l.tokens = append(l.tokens, token{typ: typ, val: val, pos: l.pos})
	l.pos += len(val)
}

// readOperator consumes a fixed two-character operator such as "==" or "&&".
func (l *lexer) readOperator(op string, typ tokenType) error {
	if l.pos+len(op) > len(l.input) || l.input[l.pos:l.pos+len(op)] != op {
		end := l.pos + len(op)
		if end > len(l.input) {
			end = len(l.input)
		}
		return &ParseError{
			Message: fmt.Sprintf("unknown operator, expected %q", op),
			Pos:     l.pos,
			Got:     l.input[l.pos:end],
		}
	}
	l.tokens = append(l.tokens, token{typ: typ, val: op, pos: l.pos})
	l.pos += len(op)
	return nil
}

// readPath consumes a JSONPath token. The token ends at whitespace, a
// parenthesis, or the first character of an operator; validation of the
// path itself happens in the parser.
func (l *lexer) readPath() {
	start := l.pos
	for l.pos < len(l.input) && !isPathTerminator(l.input[l.pos]) {
		l.pos++
	}
	l.tokens = append(l.tokens, token{typ: tokenPath, val: l.input[start:l.pos], pos: start})
}

func isPathTerminator(ch byte) bool {
	switch ch {
	case ' ', '\t', '\n', '\r', '(', ')', '=', '!', '<', '>', '&', '|':
		return true
	}
	return false
}

// readString consumes a double-quoted string literal. Escapes are not
// supported.
func (l *lexer) readString() error {
	start := l.pos
	l.pos++ // opening quote
	for l.pos < len(l.input) {
		if l.input[l.pos] == '"' {
			l.tokens = append(l.tokens, token{typ: tokenString, val: l.input[start+1 : l.pos], pos: start})
			l.pos++
			return nil
		}
		l.pos++
	}
	return &ParseError{Message: "unterminated string literal", Pos: start, Got: l.input[start:]}
}

func (l *lexer) readNumber() error {
	start := l.pos
	if l.input[l.pos] == '-' {
		l.pos++
	}
	for l.pos < len(l.input) && isNumberChar(l.input[l.pos]) {
		l.pos++
	}

	val := l.input[start:l.pos]
	if _, err := strconv.ParseFloat(val, 64); err != nil {
		return &ParseError{Message: "malformed number", Pos: start, Got: val}
	}
	l.tokens = append(l.tokens, token{typ: tokenNumber, val: val, pos: start})
	return nil
}

func isNumberChar(ch byte) bool {
	return (ch >= '0' && ch <= '9') || ch == '.' || ch == 'e' || ch == 'E' || ch == '+' || ch == '-'
}

func isWordStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_'
}

func isWordChar(ch byte) bool {
	return isWordStart(ch) || (ch >= '0' && ch <= '9')
}

// readWord consumes a bare keyword. Only true, false and null are valid;
// anything else is a stray identifier.
func (l *lexer) readWord() error {
	start := l.pos
	for l.pos < len(l.input) && isWordChar(l.input[l.pos]) {
		l.pos++
	}

	word := l.input[start:l.pos]
	switch word {
	case "true", "false":
		l.tokens = append(l.tokens, token{typ: tokenBool, val: word, pos: start})
	case "null":
		l.tokens = append(l.tokens, token{typ: tokenNull, val: word, pos: start})
	default:
		return &ParseError{Message: "stray identifier", Pos: start, Got: word}
	}
	return nil
}
