// This package defines (yet another) bencode encoding/decoding library. It uses tags for mapping struct fields to
// bencode properties.
//
// The serialization/deserialization functions expect to be annotated with `bencode:".."` tags in the structs they
// serialize/deserialize to. Pointer fields are optional: a nil pointer is omitted when encoding and a missing key
// leaves the pointer nil when decoding.
package bencode

import (
	"fmt"
	"reflect"
	"sort"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
)

type field struct {
	name     string
	index    int
	optional bool
}

// structFields returns the tagged fields of t sorted by their key.
func structFields(t reflect.Type) ([]field, error) {
	fields := make([]field, 0, t.NumField())
	for i := 0; i != t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		tag := f.Tag.Get("bencode")
		if tag == "" {
			return nil, fmt.Errorf("expected bencode tag on %s.%s", t.Name(), f.Name)
		}
		fields = append(fields, field{name: tag, index: i, optional: f.Type.Kind() == reflect.Pointer})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].name < fields[j].name })
	for i := 1; i < len(fields); i++ {
		if fields[i].name == fields[i-1].name {
			return nil, fmt.Errorf("duplicate bencode tag %s on %s", fields[i].name, t.Name())
		}
	}
	return fields, nil
}
