package bencode

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
)

// maximum nesting of lists, dicts and structs accepted while decoding
const maxDepth = 64

type DecodeError struct {
	msg string
}

func newDecodeError(msg string, vars ...interface{}) *DecodeError {
	return &DecodeError{fmt.Sprintf(msg, vars...)}
}

func (e *DecodeError) Error() string {
	return e.msg
}

// Given the target pointer, decode the following byte slice to it. Any malformed or truncated input results in a
// *DecodeError.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if !val.IsValid() || val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected a non-nil pointer")
	}
	r := newReader(buf)
	out, err := r.readValue(val.Elem().Type(), 0)
	if err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer, %d bytes remaining", int64(len(r.buf))-r.pos)
	}
	val.Elem().Set(out)
	return nil
}

type reader struct {
	buf []byte
	pos int64
}

func newReader(buf []byte) reader {
	return reader{
		buf: buf,
		pos: 0,
	}
}

func (r *reader) byteAt(pos int64) (byte, error) {
	if pos >= int64(len(r.buf)) {
		return 0, newDecodeError("unexpected end of input at pos %d", pos)
	}
	return r.buf[pos], nil
}

func (r *reader) peek() (byte, error) {
	return r.byteAt(r.pos)
}

func (r *reader) isAtEnd() bool {
	return r.pos >= int64(len(r.buf))
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return newDecodeError("expected 0x%x at pos %d, but no more bytes left", b, r.pos)
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// digits returns the run of ascii digits starting at pos.
func (r *reader) digits(pos int64) ([]byte, error) {
	l := int64(0)
	for {
		c, err := r.byteAt(pos + l)
		if err != nil {
			return nil, err
		}
		if c < 0x30 || c > 0x39 {
			break
		}
		l++
	}
	if l == 0 {
		return nil, newDecodeError("expected numbers at pos %d", pos)
	}
	return r.buf[pos : pos+l], nil
}

func (r *reader) readNumber() (string, bool, error) {
	if err := r.expectByte(numberStart); err != nil {
		return "", false, err
	}
	neg := false
	c, err := r.peek()
	if err != nil {
		return "", false, err
	}
	if c == minus {
		neg = true
		r.pos++
	}
	d, err := r.digits(r.pos)
	if err != nil {
		return "", false, err
	}
	if len(d) > 1 && d[0] == 0x30 {
		return "", false, newDecodeError("leading zeros not allowed at pos %d", r.pos)
	}
	r.pos += int64(len(d))
	if err := r.expectByte(bencodeEnd); err != nil {
		return "", false, err
	}
	if neg && len(d) == 1 && d[0] == 0x30 {
		return "", false, newDecodeError("negative 0 not allowed")
	}
	return string(d), neg, nil
}

func (r *reader) readInt(bits int) (int64, error) {
	d, neg, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		d = "-" + d
	}
	val, err := strconv.ParseInt(d, 10, bits)
	if err != nil {
		return 0, newDecodeError("invalid integer %s: %s", d, err)
	}
	return val, nil
}

func (r *reader) readUint(bits int) (uint64, error) {
	d, neg, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, newDecodeError("expected unsigned number, got -%s", d)
	}
	val, err := strconv.ParseUint(d, 10, bits)
	if err != nil {
		return 0, newDecodeError("invalid unsigned integer %s: %s", d, err)
	}
	return val, nil
}

func (r *reader) readBytes() ([]byte, error) {
	numSlice, err := r.digits(r.pos)
	if err != nil {
		return nil, err
	}
	sepPos := r.pos + int64(len(numSlice))
	colon, err := r.byteAt(sepPos)
	if err != nil {
		return nil, err
	}
	if colon != bytesLengthSep {
		return nil, newDecodeError("expected %x to be 0x3a", colon)
	}
	l, err := strconv.ParseInt(string(numSlice), 10, 64)
	if err != nil {
		return nil, newDecodeError("invalid length %s", numSlice)
	}
	start := sepPos + 1
	if l > int64(len(r.buf))-start {
		return nil, newDecodeError("byte string of length %d at pos %d exceeds input", l, r.pos)
	}
	b := make([]byte, l)
	copy(b, r.buf[start:start+l])
	r.pos = start + l
	return b, nil
}

// peekKey returns the next dict key without consuming it, or nil when the dict ends here.
func (r *reader) peekKey() ([]byte, error) {
	c, err := r.peek()
	if err != nil {
		return nil, err
	}
	if c == bencodeEnd {
		return nil, nil
	}
	pos := r.pos
	k, err := r.readBytes()
	r.pos = pos
	return k, err
}

func (r *reader) readList(t reflect.Type, depth int, add func(reflect.Value) error) error {
	if err := r.expectByte(listStart); err != nil {
		return err
	}
	for {
		c, err := r.peek()
		if err != nil {
			return err
		}
		if c == bencodeEnd {
			break
		}
		val, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return err
		}
		if err := add(val); err != nil {
			return err
		}
	}
	return r.expectByte(bencodeEnd)
}

func (r *reader) readValue(t reflect.Type, depth int) (reflect.Value, error) {
	if depth > maxDepth {
		return reflect.Value{}, newDecodeError("nesting deeper than %d", maxDepth)
	}
	out := reflect.New(t).Elem()
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint(8)
		if err != nil {
			return out, err
		}
		if num > 1 {
			return out, newDecodeError("expected number to be 0 or 1, got %d", num)
		}
		out.SetBool(num == 1)
	case reflect.Int64, reflect.Int32, reflect.Int8:
		num, err := r.readInt(t.Bits())
		if err != nil {
			return out, err
		}
		out.SetInt(num)
	case reflect.Uint64, reflect.Uint32, reflect.Uint16, reflect.Uint8:
		num, err := r.readUint(t.Bits())
		if err != nil {
			return out, err
		}
		if t.Kind() == reflect.Uint8 && num > math.MaxUint8 {
			return out, newDecodeError("expected number to be less than %d, got %d", math.MaxUint8, num)
		}
		out.SetUint(num)
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return out, err
		}
		out.SetString(string(b))
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return out, err
			}
			out.SetBytes(b)
			return out, nil
		}
		a := reflect.MakeSlice(t, 0, 0)
		if err := r.readList(t, depth, func(v reflect.Value) error {
			a = reflect.Append(a, v)
			return nil
		}); err != nil {
			return out, err
		}
		out.Set(a)
	case reflect.Array:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return out, err
			}
			if len(b) != t.Len() {
				return out, newDecodeError("expected %d bytes, got %d", t.Len(), len(b))
			}
			reflect.Copy(out, reflect.ValueOf(b))
			return out, nil
		}
		i := 0
		if err := r.readList(t, depth, func(v reflect.Value) error {
			if i >= t.Len() {
				return newDecodeError("too many elements for array of length %d", t.Len())
			}
			out.Index(i).Set(v)
			i++
			return nil
		}); err != nil {
			return out, err
		}
		if i != t.Len() {
			return out, newDecodeError("expected %d elements, got %d", t.Len(), i)
		}
	case reflect.Struct:
		if err := r.readStruct(out, depth); err != nil {
			return out, err
		}
	case reflect.Map:
		if err := r.expectByte(dictStart); err != nil {
			return out, err
		}
		m := reflect.MakeMap(t)
		for {
			c, err := r.peek()
			if err != nil {
				return out, err
			}
			if c == bencodeEnd {
				break
			}
			keyValue, err := r.readValue(t.Key(), depth+1)
			if err != nil {
				return out, err
			}
			valValue, err := r.readValue(t.Elem(), depth+1)
			if err != nil {
				return out, err
			}
			m.SetMapIndex(keyValue, valValue)
		}
		if err := r.expectByte(bencodeEnd); err != nil {
			return out, err
		}
		out.Set(m)
	case reflect.Pointer:
		inner, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return out, err
		}
		p := reflect.New(t.Elem())
		p.Elem().Set(inner)
		out.Set(p)
	default:
		return out, newDecodeError("unhandled kind %v", t.Kind())
	}
	return out, nil
}

func (r *reader) readStruct(out reflect.Value, depth int) error {
	fields, err := structFields(out.Type())
	if err != nil {
		return newDecodeError("%s", err)
	}
	if err := r.expectByte(dictStart); err != nil {
		return err
	}
	for _, f := range fields {
		key, err := r.peekKey()
		if err != nil {
			return err
		}
		if key == nil || string(key) != f.name {
			if f.omitEmpty {
				continue
			}
			return newDecodeError("missing key for %s got %q instead", f.name, key)
		}
		if _, err := r.readBytes(); err != nil {
			return err
		}
		val, err := r.readValue(out.Field(f.index).Type(), depth+1)
		if err != nil {
			return err
		}
		out.Field(f.index).Set(val)
	}
	return r.expectByte(bencodeEnd)
}
