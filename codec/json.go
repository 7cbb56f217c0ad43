package codec

import (
	"encoding/json"
	"fmt"
)

// JSON is the default payload codec: self-describing and debuggable at the
// cost of size.
type JSON struct{}

// NewJSON returns the JSON payload codec.
func NewJSON() JSON { return JSON{} }

// Name implements Codec.
func (JSON) Name() string { return "json" }

// Encode implements Codec.
func (JSON) Encode(v any) (string, []byte, error) {
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
	data, err := json.Marshal(v)
	if err != nil {
		return "", nil, fmt.Errorf("encode %s: %w", tag, err)
	}
	return tag, data, nil
}

// Decode implements Codec.
func (JSON) Decode(tag string, data []byte) (any, error) {
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
	if err := json.Unmarshal(data, ptr); err != nil {
		return nil, fmt.Errorf("decode %s: %w", tag, err)
	}
	return value(), nil
}
