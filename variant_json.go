package wsrpc

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"
)

//	ToJSON encodes the variant as a single JSON value, refusing to
//	descend deeper than maxDepth composite levels.
func (v Variant) ToJSON(maxDepth uint32) (s string, err error) {
	var b strings.Builder
	if err = encodeJSON(&b, v, maxDepth, maxDepth); err != nil {
		return
	}
	return b.String(), nil
}

func encodeJSON(b *strings.Builder, v Variant, depth uint32, maxDepth uint32) (err error) {
	switch v.vtype {
	case NullType:
		b.WriteString("null")
	case BoolType:
		if v.value.(bool) {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case Int64Type:
		b.WriteString(strconv.FormatInt(v.value.(int64), 10))
	case Uint64Type:
		b.WriteString(strconv.FormatUint(v.value.(uint64), 10))
	case DoubleType:
		b.WriteString(strconv.FormatFloat(v.value.(float64), 'g', -1, 64))
	case StringType:
		encodeJSONString(b, v.value.(string))
	case BlobType:
		encodeJSONString(b, base64.StdEncoding.EncodeToString(v.value.([]byte)))
	case ArrayType:
		if depth == 0 {
			return DepthExceeded(maxDepth)
		}
		b.WriteByte('[')
		for i, ev := range v.value.([]Variant) {
			if i > 0 {
				b.WriteByte(',')
			}
			if err = encodeJSON(b, ev, depth-1, maxDepth); err != nil {
				return
			}
		}
		b.WriteByte(']')
	case ObjectType:
		if depth == 0 {
			return DepthExceeded(maxDepth)
		}
		obj := v.value.(*VariantObject)
		b.WriteByte('{')
		for i, k := range obj.Keys() {
			if i > 0 {
				b.WriteByte(',')
			}
			encodeJSONString(b, k)
			b.WriteByte(':')
			ev, _ := obj.Get(k)
			if err = encodeJSON(b, ev, depth-1, maxDepth); err != nil {
				return
			}
		}
		b.WriteByte('}')
	}
	return
}

func encodeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if r < 0x20 {
				fmt.Fprintf(b, `\u%04x`, r)
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

//	FromJSON parses exactly one JSON value, rejecting trailing content,
//	nesting deeper than maxDepth, and any malformed input.
func FromJSON(s string, maxDepth uint32) (v Variant, err error) {
	p := &jsonParser{input: s, maxDepth: maxDepth}
	if v, err = p.parseValue(0); err != nil {
		return
	}
	p.skipSpace()
	if p.pos != len(p.input) {
		err = ParseError("unexpected trailing content at offset %d", p.pos)
	}
	return
}

//	VariantsFromJSON parses a whitespace-separated sequence of JSON
//	values, e.g. the argument list of a shell line.
func VariantsFromJSON(s string, maxDepth uint32) (vs []Variant, err error) {
	p := &jsonParser{input: s, maxDepth: maxDepth}
	for {
		p.skipSpace()
		if p.pos == len(p.input) {
			return
		}
		var v Variant
		if v, err = p.parseValue(0); err != nil {
			return
		}
		vs = append(vs, v)
	}
}

type jsonParser struct {
	input    string
	pos      int
	maxDepth uint32
}

func (p *jsonParser) skipSpace() {
	for p.pos < len(p.input) {
		switch p.input[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *jsonParser) peek() (byte, bool) {
	if p.pos >= len(p.input) {
		return 0, false
	}
	return p.input[p.pos], true
}

func (p *jsonParser) parseValue(depth uint32) (v Variant, err error) {
	p.skipSpace()
	c, ok := p.peek()
	if !ok {
		err = ParseError("unexpected end of input at offset %d", p.pos)
		return
	}
	switch {
	case c == '{':
		return p.parseObject(depth)
	case c == '[':
		return p.parseArray(depth)
	case c == '"':
		s, serr := p.parseString()
		if serr != nil {
			err = serr
			return
		}
		return NewString(s), nil
	case c == 't', c == 'f':
		return p.parseBool()
	case c == 'n':
		if err = p.expect("null"); err != nil {
			return
		}
		return Null, nil
	case c == '-' || (c >= '0' && c <= '9'):
		return p.parseNumber()
	}
	err = ParseError("unexpected character %q at offset %d", c, p.pos)
	return
}

func (p *jsonParser) expect(word string) (err error) {
	if !strings.HasPrefix(p.input[p.pos:], word) {
		return ParseError("malformed literal at offset %d", p.pos)
	}
	p.pos += len(word)
	return
}

func (p *jsonParser) parseBool() (v Variant, err error) {
	if strings.HasPrefix(p.input[p.pos:], "true") {
		p.pos += 4
		return NewBool(true), nil
	}
	if strings.HasPrefix(p.input[p.pos:], "false") {
		p.pos += 5
		return NewBool(false), nil
	}
	err = ParseError("malformed literal at offset %d", p.pos)
	return
}

func (p *jsonParser) parseNumber() (v Variant, err error) {
	start := p.pos
	if c, ok := p.peek(); ok && c == '-' {
		p.pos++
	}
	isDouble := false
	for p.pos < len(p.input) {
		c := p.input[p.pos]
		if c >= '0' && c <= '9' {
			p.pos++
			continue
		}
		if c == '.' || c == 'e' || c == 'E' || c == '+' || c == '-' {
			isDouble = true
			p.pos++
			continue
		}
		break
	}
	text := p.input[start:p.pos]
	if isDouble {
		d, perr := strconv.ParseFloat(text, 64)
		if perr != nil {
			err = ParseError("malformed number %q at offset %d", text, start)
			return
		}
		return NewDouble(d), nil
	}
	if strings.HasPrefix(text, "-") {
		i, perr := strconv.ParseInt(text, 10, 64)
		if perr != nil {
			err = ParseError("malformed number %q at offset %d", text, start)
			return
		}
		return NewInt64(i), nil
	}
	u, perr := strconv.ParseUint(text, 10, 64)
	if perr != nil {
		err = ParseError("malformed number %q at offset %d", text, start)
		return
	}
	return NewUint64(u), nil
}

func (p *jsonParser) parseString() (s string, err error) {
	p.pos++ // opening quote
	var b strings.Builder
	for {
		if p.pos >= len(p.input) {
			err = ParseError("unterminated string at offset %d", p.pos)
			return
		}
		c := p.input[p.pos]
		switch {
		case c == '"':
			p.pos++
			return b.String(), nil
		case c == '\\':
			p.pos++
			if p.pos >= len(p.input) {
				err = ParseError("unterminated escape at offset %d", p.pos)
				return
			}
			esc := p.input[p.pos]
			p.pos++
			switch esc {
			case '"':
				b.WriteByte('"')
			case '\\':
				b.WriteByte('\\')
			case '/':
				b.WriteByte('/')
			case 'n':
				b.WriteByte('\n')
			case 'r':
				b.WriteByte('\r')
			case 't':
				b.WriteByte('\t')
			case 'b':
				b.WriteByte('\b')
			case 'f':
				b.WriteByte('\f')
			case 'u':
				r, uerr := p.parseUnicodeEscape()
				if uerr != nil {
					err = uerr
					return
				}
				b.WriteRune(r)
			default:
				err = ParseError("invalid escape %q at offset %d", esc, p.pos-1)
				return
			}
		case c < 0x20:
			err = ParseError("control character in string at offset %d", p.pos)
			return
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
}

func (p *jsonParser) parseUnicodeEscape() (r rune, err error) {
	if p.pos+4 > len(p.input) {
		err = ParseError("truncated unicode escape at offset %d", p.pos)
		return
	}
	n, perr := strconv.ParseUint(p.input[p.pos:p.pos+4], 16, 32)
	if perr != nil {
		err = ParseError("malformed unicode escape at offset %d", p.pos)
		return
	}
	p.pos += 4
	r = rune(n)
	if utf16.IsSurrogate(r) {
		if strings.HasPrefix(p.input[p.pos:], `\u`) && p.pos+6 <= len(p.input) {
			n2, perr2 := strconv.ParseUint(p.input[p.pos+2:p.pos+6], 16, 32)
			if perr2 == nil {
				if paired := utf16.DecodeRune(r, rune(n2)); paired != utf8.RuneError {
					p.pos += 6
					return paired, nil
				}
			}
		}
		return utf8.RuneError, nil
	}
	return
}

func (p *jsonParser) parseArray(depth uint32) (v Variant, err error) {
	if depth >= p.maxDepth {
		err = ParseError("nesting exceeds maximum depth %d", p.maxDepth)
		return
	}
	p.pos++ // '['
	elems := []Variant{}
	p.skipSpace()
	if c, ok := p.peek(); ok && c == ']' {
		p.pos++
		return NewArray(elems), nil
	}
	for {
		var ev Variant
		if ev, err = p.parseValue(depth + 1); err != nil {
			return
		}
		elems = append(elems, ev)
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			err = ParseError("unterminated array at offset %d", p.pos)
			return
		}
		if c == ',' {
			p.pos++
			continue
		}
		if c == ']' {
			p.pos++
			return NewArray(elems), nil
		}
		err = ParseError("unexpected character %q in array at offset %d", c, p.pos)
		return
	}
}

func (p *jsonParser) parseObject(depth uint32) (v Variant, err error) {
	if depth >= p.maxDepth {
		err = ParseError("nesting exceeds maximum depth %d", p.maxDepth)
		return
	}
	p.pos++ // '{'
	obj := NewVariantObject()
	p.skipSpace()
	if c, ok := p.peek(); ok && c == '}' {
		p.pos++
		return NewObject(obj), nil
	}
	for {
		p.skipSpace()
		c, ok := p.peek()
		if !ok {
			err = ParseError("unterminated object at offset %d", p.pos)
			return
		}
		if c != '"' {
			err = ParseError("object key is not a string at offset %d", p.pos)
			return
		}
		var key string
		if key, err = p.parseString(); err != nil {
			return
		}
		p.skipSpace()
		if c, ok = p.peek(); !ok || c != ':' {
			err = ParseError("missing ':' after object key at offset %d", p.pos)
			return
		}
		p.pos++
		var ev Variant
		if ev, err = p.parseValue(depth + 1); err != nil {
			return
		}
		obj.Set(key, ev)
		p.skipSpace()
		if c, ok = p.peek(); !ok {
			err = ParseError("unterminated object at offset %d", p.pos)
			return
		}
		if c == ',' {
			p.pos++
			continue
		}
		if c == '}' {
			p.pos++
			return NewObject(obj), nil
		}
		err = ParseError("unexpected character %q in object at offset %d", c, p.pos)
		return
	}
}
