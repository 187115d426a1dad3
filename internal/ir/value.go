package ir

import (
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value types that can be hashed.
// There is no float or null variant: both would make hashes unstable.
type Value interface {
	value()
}

// String is a string value.
type String string

func (String) value() {}

// Int is an integer value.
type Int int64

func (Int) value() {}

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps string keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) value() {}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// Go's string comparison orders by UTF-8 bytes, which differs for some runes.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}
