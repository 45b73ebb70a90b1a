// Package jsonheal turns a truncated JSON object into the largest value that
// only contains fully produced members.
package jsonheal

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject is returned when the input does not start with an object.
var ErrNotObject = errors.New("jsonheal: input is not a JSON object")

// SyntaxError reports input that is malformed rather than merely truncated.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("jsonheal: %s at offset %d", e.Msg, e.Offset)
}

// Heal parses prefix, which may stop anywhere inside a JSON object, and returns
// the members produced so far. Members whose value is a truncated string,
// number or literal are left out. Truncated nested objects and arrays are kept
// with their complete members only. A complete document heals to itself.
func Heal(prefix []byte) (map[string]any, error) {
	p := &parser{buf: prefix}
	p.skipSpace()
	if p.eof() {
		return map[string]any{}, nil
	}
	if p.peek() != '{' {
		return nil, ErrNotObject
	}
	v, _, err := p.value()
	if err != nil {
		return nil, err
	}
	p.skipSpace()
	if !p.eof() {
		return nil, p.errorf("trailing data")
	}
	return v.(map[string]any), nil
}

type parser struct {
	buf []byte
	pos int
}

func (p *parser) eof() bool  { return p.pos >= len(p.buf) }
func (p *parser) peek() byte { return p.buf[p.pos] }

func (p *parser) errorf(format string, args ...any) error {
	return &SyntaxError{Offset: p.pos, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) skipSpace() {
	for !p.eof() {
		switch p.peek() {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

// value parses one value. complete is false when input ended inside it; in that
// case v is the healed container, or nil for scalars.
func (p *parser) value() (v any, complete bool, err error) {
	p.skipSpace()
	if p.eof() {
		return nil, false, nil
	}
	switch c := p.peek(); {
	case c == '{':
		return p.object()
	case c == '[':
		return p.array()
	case c == '"':
		s, ok, err := p.str()
		if err != nil || !ok {
			return nil, false, err
		}
		return s, true, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number()
	case c == 't':
		return p.literal("true", true)
	case c == 'f':
		return p.literal("false", false)
	case c == 'n':
		return p.literal("null", nil)
	default:
		return nil, false, p.errorf("unexpected character %q", c)
	}
}

func (p *parser) object() (any, bool, error) {
	p.pos++ // {
	obj := map[string]any{}
	first := true
	for {
		p.skipSpace()
		if p.eof() {
			return obj, false, nil
		}
		if p.peek() == '}' {
			p.pos++
			return obj, true, nil
		}
		if !first {
			if p.peek() != ',' {
				return nil, false, p.errorf("expected ',' or '}'")
			}
			p.pos++
			p.skipSpace()
			if p.eof() {
				return obj, false, nil
			}
		}
		first = false

		if p.peek() != '"' {
			return nil, false, p.errorf("expected object key")
		}
		key, ok, err := p.str()
		if err != nil {
			return nil, false, err
		}
		if !ok {
			return obj, false, nil
		}
		p.skipSpace()
		if p.eof() {
			return obj, false, nil
		}
		if p.peek() != ':' {
			return nil, false, p.errorf("expected ':'")
		}
		p.pos++

		v, complete, err := p.value()
		if err != nil {
			return nil, false, err
		}
		if !complete {
			if v != nil {
				obj[key] = v
			}
			return obj, false, nil
		}
		obj[key] = v
	}
}

func (p *parser) array() (any, bool, error) {
	p.pos++ // [
	arr := []any{}
	first := true
	for {
		p.skipSpace()
		if p.eof() {
			return arr, false, nil
		}
		if p.peek() == ']' {
			p.pos++
			return arr, true, nil
		}
		if !first {
			if p.peek() != ',' {
				return nil, false, p.errorf("expected ',' or ']'")
			}
			p.pos++
		}
		first = false

		v, complete, err := p.value()
		if err != nil {
			return nil, false, err
		}
		if !complete {
			if v != nil {
				arr = append(arr, v)
			}
			return arr, false, nil
		}
		arr = append(arr, v)
	}
}

// str scans a string token and decodes it with encoding/json so escapes are
// handled exactly as a full decode would.
func (p *parser) str() (string, bool, error) {
	start := p.pos
	i := p.pos + 1
	for i < len(p.buf) {
		switch p.buf[i] {
		case '\\':
			i += 2
			continue
		case '"':
			var s string
			if err := json.Unmarshal(p.buf[start:i+1], &s); err != nil {
				return "", false, &SyntaxError{Offset: start, Msg: "invalid string"}
			}
			p.pos = i + 1
			return s, true, nil
		}
		i++
	}
	p.pos = len(p.buf)
	return "", false, nil
}

// number scans a number. A number that runs into the end of input may still
// be growing, so it counts as truncated.
func (p *parser) number() (any, bool, error) {
	start := p.pos
	for !p.eof() && bytes.IndexByte([]byte("+-0123456789.eE"), p.peek()) >= 0 {
		p.pos++
	}
	if p.eof() {
		return nil, false, nil
	}
	var f float64
	if err := json.Unmarshal(p.buf[start:p.pos], &f); err != nil {
		return nil, false, &SyntaxError{Offset: start, Msg: "invalid number"}
	}
	return f, true, nil
}

func (p *parser) literal(word string, v any) (any, bool, error) {
	rest := p.buf[p.pos:]
	if len(rest) < len(word) {
		if bytes.HasPrefix([]byte(word), rest) {
			p.pos = len(p.buf)
			return nil, false, nil
		}
		return nil, false, p.errorf("invalid literal")
	}
	if !bytes.HasPrefix(rest, []byte(word)) {
		return nil, false, p.errorf("invalid literal")
	}
	p.pos += len(word)
	return v, true, nil
}
