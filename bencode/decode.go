package bencode

import (
	"fmt"
	"reflect"
	"strconv"
)

// Nesting beyond this depth is rejected rather than recursed into.
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

// Given the target pointer, decode the following byte slice to it. Malformed input of any kind is reported as a
// *DecodeError.
func Deserialize(buf []byte, t interface{}) error {
	val := reflect.ValueOf(t)
	if !val.IsValid() || val.Kind() != reflect.Pointer || val.IsNil() {
		return newDecodeError("expected non-nil pointer, got %T", t)
	}
	r := newReader(buf)
	out, err := r.readValue(val.Type().Elem(), 0)
	if err != nil {
		return err
	}
	if !r.isAtEnd() {
		return newDecodeError("expected to be at end of buffer, %d bytes remain", len(r.buf)-r.pos)
	}
	val.Elem().Set(out)
	return nil
}

type reader struct {
	buf []byte
	pos int
}

func newReader(buf []byte) reader {
	return reader{buf: buf}
}

func (r *reader) isAtEnd() bool {
	return r.pos >= len(r.buf)
}

func (r *reader) peek() (byte, error) {
	if r.isAtEnd() {
		return 0, newDecodeError("unexpected end of buffer at pos %d", r.pos)
	}
	return r.buf[r.pos], nil
}

func (r *reader) expectByte(b byte) error {
	c, err := r.peek()
	if err != nil {
		return err
	}
	if c != b {
		return newDecodeError("expected 0x%x got 0x%x at pos %d", b, c, r.pos)
	}
	r.pos++
	return nil
}

// digits returns the run of ascii digits at the current position without consuming them.
func (r *reader) digits() []byte {
	end := r.pos
	for end < len(r.buf) && r.buf[end] >= '0' && r.buf[end] <= '9' {
		end++
	}
	return r.buf[r.pos:end]
}

func (r *reader) readNumber() (neg bool, digits string, err error) {
	if err := r.expectByte(numberStart); err != nil {
		return false, "", err
	}
	if c, err := r.peek(); err != nil {
		return false, "", err
	} else if c == '-' {
		neg = true
		r.pos++
	}
	d := r.digits()
	if len(d) == 0 {
		return false, "", newDecodeError("expected numbers at pos %d", r.pos)
	}
	if len(d) > 1 && d[0] == '0' {
		return false, "", newDecodeError("leading zero at pos %d", r.pos)
	}
	if neg && len(d) == 1 && d[0] == '0' {
		return false, "", newDecodeError("negative 0 not allowed")
	}
	r.pos += len(d)
	if err := r.expectByte(bencodeEnd); err != nil {
		return false, "", err
	}
	return neg, string(d), nil
}

func (r *reader) readInt() (int64, error) {
	neg, d, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		d = "-" + d
	}
	val, err := strconv.ParseInt(d, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid integer %s: %v", d, err)
	}
	return val, nil
}

func (r *reader) readUint() (uint64, error) {
	neg, d, err := r.readNumber()
	if err != nil {
		return 0, err
	}
	if neg {
		return 0, newDecodeError("expected unsigned number, got -%s", d)
	}
	val, err := strconv.ParseUint(d, 10, 64)
	if err != nil {
		return 0, newDecodeError("invalid integer %s: %v", d, err)
	}
	return val, nil
}

func (r *reader) readBytes() ([]byte, error) {
	d := r.digits()
	if len(d) == 0 {
		return nil, newDecodeError("expected 1 or more numbers at pos %d", r.pos)
	}
	l, err := strconv.ParseUint(string(d), 10, 31)
	if err != nil {
		return nil, newDecodeError("invalid length at pos %d: %v", r.pos, err)
	}
	r.pos += len(d)
	if err := r.expectByte(bytesLengthSep); err != nil {
		return nil, err
	}
	if uint64(len(r.buf)-r.pos) < l {
		return nil, newDecodeError("expected %d bytes at pos %d, only %d left", l, r.pos, len(r.buf)-r.pos)
	}
	b := make([]byte, l)
	copy(b, r.buf[r.pos:r.pos+int(l)])
	r.pos += int(l)
	return b, nil
}

func (r *reader) readList(t reflect.Type, depth int) (reflect.Value, error) {
	a := reflect.MakeSlice(reflect.SliceOf(t.Elem()), 0, 0)
	if err := r.expectByte(listStart); err != nil {
		return reflect.Value{}, err
	}
	for {
		c, err := r.peek()
		if err != nil {
			return reflect.Value{}, err
		}
		if c == bencodeEnd {
			r.pos++
			return a, nil
		}
		val, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		a = reflect.Append(a, val)
	}
}

func (r *reader) readValue(t reflect.Type, depth int) (reflect.Value, error) {
	if depth > maxDepth {
		return reflect.Value{}, newDecodeError("nesting deeper than %d", maxDepth)
	}
	switch t.Kind() {
	case reflect.Bool:
		num, err := r.readUint()
		if err != nil {
			return reflect.Value{}, err
		}
		if num > 1 {
			return reflect.Value{}, newDecodeError("expected number to be 0 or 1, got %d", num)
		}
		return reflect.ValueOf(num == 1).Convert(t), nil
	case reflect.Int64, reflect.Int32, reflect.Int8, reflect.Int:
		num, err := r.readInt()
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(t).Elem()
		if v.OverflowInt(num) {
			return reflect.Value{}, newDecodeError("number %d overflows %s", num, t)
		}
		v.SetInt(num)
		return v, nil
	case reflect.Uint64, reflect.Uint32, reflect.Uint8:
		num, err := r.readUint()
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(t).Elem()
		if v.OverflowUint(num) {
			return reflect.Value{}, newDecodeError("number %d overflows %s", num, t)
		}
		v.SetUint(num)
		return v, nil
	case reflect.String:
		b, err := r.readBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(string(b)).Convert(t), nil
	case reflect.Slice:
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(b).Convert(t), nil
		}
		a, err := r.readList(t, depth)
		if err != nil {
			return reflect.Value{}, err
		}
		return a.Convert(t), nil
	case reflect.Array:
		v := reflect.New(t).Elem()
		if t.Elem().Kind() == reflect.Uint8 {
			b, err := r.readBytes()
			if err != nil {
				return reflect.Value{}, err
			}
			if len(b) != t.Len() {
				return reflect.Value{}, newDecodeError("expected %d bytes for %s, got %d", t.Len(), t, len(b))
			}
			reflect.Copy(v, reflect.ValueOf(b))
			return v, nil
		}
		a, err := r.readList(t, depth)
		if err != nil {
			return reflect.Value{}, err
		}
		if a.Len() != t.Len() {
			return reflect.Value{}, newDecodeError("expected %d elements for %s, got %d", t.Len(), t, a.Len())
		}
		reflect.Copy(v, a)
		return v, nil
	case reflect.Struct:
		return r.readStruct(t, depth)
	case reflect.Map:
		if t.Key().Kind() != reflect.String {
			return reflect.Value{}, newDecodeError("map keys must be strings, got %s", t.Key().Kind())
		}
		if err := r.expectByte(dictStart); err != nil {
			return reflect.Value{}, err
		}
		m := reflect.MakeMap(t)
		var last string
		for first := true; ; first = false {
			c, err := r.peek()
			if err != nil {
				return reflect.Value{}, err
			}
			if c == bencodeEnd {
				r.pos++
				return m, nil
			}
			key, err := r.readBytes()
			if err != nil {
				return reflect.Value{}, err
			}
			if !first && string(key) <= last {
				return reflect.Value{}, newDecodeError("dictionary keys out of order at %q", key)
			}
			last = string(key)
			val, err := r.readValue(t.Elem(), depth+1)
			if err != nil {
				return reflect.Value{}, err
			}
			m.SetMapIndex(reflect.ValueOf(string(key)).Convert(t.Key()), val)
		}
	case reflect.Pointer:
		out, err := r.readValue(t.Elem(), depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		v := reflect.New(t.Elem())
		v.Elem().Set(out)
		return v, nil
	default:
		return reflect.Value{}, newDecodeError("unhandled kind %v", t.Kind())
	}
}

func (r *reader) readStruct(t reflect.Type, depth int) (reflect.Value, error) {
	fields, err := structFields(t)
	if err != nil {
		return reflect.Value{}, newDecodeError("%v", err)
	}
	if err := r.expectByte(dictStart); err != nil {
		return reflect.Value{}, err
	}

	v := reflect.New(t).Elem()
	i := 0
	for {
		c, err := r.peek()
		if err != nil {
			return reflect.Value{}, err
		}
		if c == bencodeEnd {
			r.pos++
			break
		}
		key, err := r.readBytes()
		if err != nil {
			return reflect.Value{}, err
		}
		name := string(key)
		for i < len(fields) && fields[i].optional && fields[i].name < name {
			i++
		}
		if i == len(fields) || fields[i].name != name {
			if i < len(fields) && fields[i].name < name {
				return reflect.Value{}, newDecodeError("missing key for %s got %s instead", fields[i].name, name)
			}
			return reflect.Value{}, newDecodeError("unexpected key %s", name)
		}
		val, err := r.readValue(t.Field(fields[i].index).Type, depth+1)
		if err != nil {
			return reflect.Value{}, err
		}
		v.Field(fields[i].index).Set(val)
		i++
	}
	for ; i < len(fields); i++ {
		if !fields[i].optional {
			return reflect.Value{}, newDecodeError("missing key for %s", fields[i].name)
		}
	}
	return v, nil
}
