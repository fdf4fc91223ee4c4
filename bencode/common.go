// This package defines (yet another) bencode encoding/decoding library. What is special about this
// approach is it uses tags for mapping struct fields to bencode properties. As well, it has support for fixed-byte array
// map keys.
//
// The serialization/deseriazation functions expect to be annotated with `bencode:".."` tags in the structs they
// serialize/deserialize to. A tag may carry the omitempty option (`bencode:"b,omitempty"`), in which case the key is
// left out when the value is empty and may be absent when decoding.
package bencode

import (
	"reflect"
	"strings"
)

const (
	numberStart    = 0x69
	dictStart      = 0x64
	listStart      = 0x6c
	bencodeEnd     = 0x65
	bytesLengthSep = 0x3a
	minus          = 0x2d
)

type fieldInfo struct {
	name      string
	index     int
	omitEmpty bool
}

func parseTag(tag string) (string, bool) {
	name, opts, _ := strings.Cut(tag, ",")
	return name, opts == "omitempty"
}

func isEmpty(v reflect.Value) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		return v.IsNil()
	case reflect.Slice, reflect.Map, reflect.String:
		return v.Len() == 0
	case reflect.Bool:
		return !v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int() == 0
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint() == 0
	default:
		return false
	}
}
