package bencode

import (
	"bytes"
	"fmt"
	"reflect"
	"sort"
	"strconv"
)

// Serialize a ptr to a bencode-encoded byte-slice.
func Serialize(s interface{}) ([]byte, error) {
	w := newWriter()
	val := reflect.ValueOf(s)
	if !val.IsValid() || val.Type().Kind() != reflect.Ptr || val.IsNil() {
		return nil, fmt.Errorf("this is not pointer")
	}
	if err := w.writeValue(val.Elem()); err != nil {
		return nil, err
	}
	return w.buf.Bytes(), nil
}

type writer struct {
	buf bytes.Buffer
}

func newWriter() writer {
	return writer{}
}

func (w *writer) writeByte(b byte) {
	w.buf.WriteByte(b)
}

func (w *writer) writeBytes(b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(bytesLengthSep)
	w.buf.Write(b)
}

func (w *writer) writeSignedNumber(n int64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatInt(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeUnsignedNumber(n uint64) {
	w.buf.WriteByte(numberStart)
	w.buf.WriteString(strconv.FormatUint(n, 10))
	w.buf.WriteByte(bencodeEnd)
}

func (w *writer) writeValue(v reflect.Value) error {
	switch v.Type().Kind() {
	case reflect.Bool:
		if v.Bool() {
			w.writeUnsignedNumber(1)
		} else {
			w.writeUnsignedNumber(0)
		}
		return nil
	case reflect.Int64, reflect.Int32, reflect.Int8, reflect.Int:
		w.writeSignedNumber(v.Int())
		return nil
	case reflect.Uint64, reflect.Uint32, reflect.Uint8:
		w.writeUnsignedNumber(v.Uint())
		return nil
	case reflect.Array, reflect.Slice:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]uint8, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			w.writeBytes(b)
			return nil
		}
		w.writeByte(listStart)
		for i := 0; i != v.Len(); i++ {
			if err := w.writeValue(v.Index(i)); err != nil {
				return err
			}
		}
		w.writeByte(bencodeEnd)
		return nil
	case reflect.String:
		w.writeBytes([]byte(v.String()))
		return nil
	case reflect.Struct:
		return w.writeStruct(v)
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("map keys must be strings, got %s", v.Type().Key().Kind())
		}
		w.writeByte(dictStart)
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
		for _, k := range keys {
			w.writeBytes([]byte(k.String()))
			if err := w.writeValue(v.MapIndex(k)); err != nil {
				return err
			}
		}
		w.writeByte(bencodeEnd)
		return nil
	case reflect.Pointer:
		if v.IsNil() {
			return fmt.Errorf("cannot encode nil %s", v.Type())
		}
		return w.writeValue(v.Elem())
	default:
		return fmt.Errorf("unrecognized value type %s", v.Type().Kind().String())
	}
}

func (w *writer) writeStruct(v reflect.Value) error {
	fields, err := structFields(v.Type())
	if err != nil {
		return err
	}
	w.writeByte(dictStart)
	for _, f := range fields {
		fv := v.Field(f.index)
		if f.optional && fv.IsNil() {
			continue
		}
		w.writeBytes([]byte(f.name))
		if err := w.writeValue(fv); err != nil {
			return err
		}
	}
	w.writeByte(bencodeEnd)
	return nil
}
