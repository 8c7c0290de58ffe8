package query

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/lazypower/cogmem/internal/memerr"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokKeyword
	tokString
	tokNumber
	tokParam
	tokPunct
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of query"
	case tokIdent:
		return "identifier"
	case tokKeyword:
		return "keyword"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokParam:
		return "parameter"
	}
	return "symbol"
}

type token struct {
	kind tokenKind
	text string // keywords upper-cased, strings unquoted, params without '$'
	pos  int
}

var keywords = map[string]bool{
	"MATCH": true, "WHERE": true, "RETURN": true, "LIMIT": true,
	"AND": true, "OR": true, "NOT": true, "CONTAINS": true,
	"TRUE": true, "FALSE": true, "NULL": true,
}

// two-character punctuation, checked before single characters.
var punct2 = []string{"<>", "!=", "<=", ">=", ".."}

const punct1 = "()[]{}:,.-<>=*|;"

func lex(src string) ([]token, error) {
	var toks []token
	i := 0
	for i < len(src) {
		r, size := utf8.DecodeRuneInString(src[i:])
		switch {
		case unicode.IsSpace(r):
			i += size

		case r == '/' && strings.HasPrefix(src[i:], "//"):
			for i < len(src) && src[i] != '\n' {
				i++
			}

		case r == '"' || r == '\'':
			s, n, err := lexString(src, i)
			if err != nil {
				return nil, err
			}
			toks = append(toks, token{kind: tokString, text: s, pos: i})
			i += n

		case r == '`':
			end := strings.IndexByte(src[i+1:], '`')
			if end < 0 {
				return nil, syntaxErr(i, "`", "unterminated quoted identifier")
			}
			toks = append(toks, token{kind: tokIdent, text: src[i+1 : i+1+end], pos: i})
			i += end + 2

		case r == '$':
			j := i + 1
			for j < len(src) && isIdentByte(src[j]) {
				j++
			}
			if j == i+1 {
				return nil, syntaxErr(i, "$", "parameter name expected")
			}
			toks = append(toks, token{kind: tokParam, text: src[i+1 : j], pos: i})
			i = j

		case r >= '0' && r <= '9':
			j := i
			for j < len(src) && isDigit(src[j]) {
				j++
			}
			// A fraction needs a digit after the dot so "1..3" lexes as 1 .. 3.
			if j+1 < len(src) && src[j] == '.' && isDigit(src[j+1]) {
				j++
				for j < len(src) && isDigit(src[j]) {
					j++
				}
			}
			toks = append(toks, token{kind: tokNumber, text: src[i:j], pos: i})
			i = j

		case r == '_' || unicode.IsLetter(r):
			j := i
			for j < len(src) {
				r, size := utf8.DecodeRuneInString(src[j:])
				if r != '_' && !unicode.IsLetter(r) && !unicode.IsDigit(r) {
					break
				}
				j += size
			}
			word := src[i:j]
			if up := strings.ToUpper(word); keywords[up] {
				toks = append(toks, token{kind: tokKeyword, text: up, pos: i})
			} else {
				toks = append(toks, token{kind: tokIdent, text: word, pos: i})
			}
			i = j

		default:
			matched := false
			for _, p := range punct2 {
				if strings.HasPrefix(src[i:], p) {
					toks = append(toks, token{kind: tokPunct, text: p, pos: i})
					i += 2
					matched = true
					break
				}
			}
			if matched {
				continue
			}
			if strings.ContainsRune(punct1, r) {
				toks = append(toks, token{kind: tokPunct, text: string(r), pos: i})
				i += size
				continue
			}
			return nil, syntaxErr(i, string(r), "unexpected character")
		}
	}
	toks = append(toks, token{kind: tokEOF, pos: len(src)})
	return toks, nil
}

func lexString(src string, start int) (string, int, error) {
	quote := src[start]
	var b strings.Builder
	i := start + 1
	for i < len(src) {
		c := src[i]
		switch {
		case c == quote:
			return b.String(), i + 1 - start, nil
		case c == '\\':
			if i+1 >= len(src) {
				return "", 0, syntaxErr(i, "\\", "unterminated escape")
			}
			switch e := src[i+1]; e {
			case 'n':
				b.WriteByte('\n')
			case 't':
				b.WriteByte('\t')
			case '\\', '\'', '"':
				b.WriteByte(e)
			default:
				return "", 0, syntaxErr(i, src[i:i+2], "unknown escape")
			}
			i += 2
		default:
			b.WriteByte(c)
			i++
		}
	}
	return "", 0, syntaxErr(start, string(quote), "unterminated string")
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentByte(c byte) bool {
	return c == '_' || isDigit(c) || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func syntaxErr(pos int, near, msg string) error {
	return &memerr.QuerySyntaxError{Pos: pos, Near: near, Msg: msg}
}
