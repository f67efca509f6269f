// Package options parses the descriptor strings used to select encodings and
// server source kinds: "name[:key=value[,key=value...]]". The name itself is
// stored under the reserved key "%name".
package options

import "strconv"

// NameKey is the reserved key holding the descriptor name.
const NameKey = "%name"

// Options is a parsed descriptor.
type Options map[string]string

// ParseError reports the byte offset of the first offending character.
type ParseError struct {
	Descriptor string
	Offset     int
}

func (e *ParseError) Error() string {
	ch := byte(0)
	if e.Offset < len(e.Descriptor) {
		ch = e.Descriptor[e.Offset]
	}
	return "option parse error at offset " + strconv.Itoa(e.Offset) + " (" + strconv.QuoteRune(rune(ch)) + ")"
}

func isNameByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '-' || c == '.'
}

// Parse parses a descriptor string. The returned map always contains NameKey.
func Parse(descriptor string) (Options, error) {
	if descriptor == "" {
		return nil, &ParseError{Descriptor: descriptor, Offset: 0}
	}

	i := 0
	for i < len(descriptor) && isNameByte(descriptor[i]) {
		i++
	}
	if i == 0 {
		return nil, &ParseError{Descriptor: descriptor, Offset: 0}
	}

	opts := Options{NameKey: descriptor[:i]}
	if i == len(descriptor) {
		return opts, nil
	}
	if descriptor[i] != ':' {
		return nil, &ParseError{Descriptor: descriptor, Offset: i}
	}
	i++

	for {
		keyStart := i
		for i < len(descriptor) && isNameByte(descriptor[i]) {
			i++
		}
		if i == keyStart || i == len(descriptor) || descriptor[i] != '=' {
			return nil, &ParseError{Descriptor: descriptor, Offset: i}
		}
		key := descriptor[keyStart:i]
		i++

		valStart := i
		for i < len(descriptor) && descriptor[i] != ',' {
			i++
		}
		opts[key] = descriptor[valStart:i]

		if i == len(descriptor) {
			return opts, nil
		}
		i++ // skip ','
		if i == len(descriptor) {
			return nil, &ParseError{Descriptor: descriptor, Offset: i}
		}
	}
}

// Name returns the descriptor name.
func (o Options) Name() string { return o[NameKey] }

// String returns an option value, or def when the key is absent or its value
// is empty.
func (o Options) String(key, def string) string {
	if v, ok := o[key]; ok && v != "" {
		return v
	}
	return def
}

// Int parses and returns an option as int, falling back to def on error/absence.
func (o Options) Int(key string, def int) int {
	v := o.String(key, "")
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return n
	}
	return def
}

// Bool parses and returns an option as bool, falling back to def on error/absence.
func (o Options) Bool(key string, def bool) bool {
	v := o.String(key, "")
	if v == "" {
		return def
	}
	if b, err := strconv.ParseBool(v); err == nil {
		return b
	}
	return def
}

// Equal reports whether two parsed descriptors are identical.
func (o Options) Equal(other Options) bool {
	if len(o) != len(other) {
		return false
	}
	for k, v := range o {
		if ov, ok := other[k]; !ok || ov != v {
			return false
		}
	}
	return true
}
