package codec

import (
	"bytes"
	"encoding/gob"
	"fmt"
)

// Gob is a binary payload codec for homogeneous Go clusters. It is denser
// than JSON but not self-describing across languages.
type Gob struct{}

// NewGob returns the gob payload codec.
func NewGob() Gob { return Gob{} }

// Name implements Codec.
func (Gob) Name() string { return "gob" }

// Encode implements Codec.
func (Gob) Encode(v any) (string, []byte, error) {
	switch p := v.(type) {
	case nil:
		return TagNil, nil, nil
	case []byte:
		return TagBytes, p, nil
	case string:
		return TagString, []byte(p), nil
	}

	tag, ok := tagFor(v)
	if !ok {
		return "", nil, fmt.Errorf("%w: %T", ErrUnregisteredType, v)
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	return tag, buf.Bytes(), nil
}

// Decode implements Codec.
func (Gob) Decode(tag string, data []byte) (any, error) {
	switch tag {
	case TagNil:
		return nil, nil
	case TagBytes:
		return data, nil
	case TagString:
		return string(data), nil
	}

	t, ok := typeFor(tag)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
	}
	ptr, value := newValue(t)
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return value(), nil
}
