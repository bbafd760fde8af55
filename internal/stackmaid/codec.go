// ABOUTME: Serialization of delegate context for the stack_maid table
// ABOUTME: Uses protobuf Struct so any process version can decode a row

package stackmaid

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ErrInvalidContext is returned when a context blob cannot be decoded.
var ErrInvalidContext = errors.New("invalid delegate context")

var marshalOpts = proto.MarshalOptions{Deterministic: true}

// EncodeContext serializes delegate data. Values must be representable as JSON:
// nil, bool, numbers, string, []any, map[string]any.
func EncodeContext(data map[string]any) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}
	s, err := structpb.NewStruct(data)
	if err != nil {
		return nil, fmt.Errorf("encoding delegate context: %w", err)
	}
	b, err := marshalOpts.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding delegate context: %w", err)
	}
	return b, nil
}

// DecodeContext restores delegate data. Numbers come back as float64.
func DecodeContext(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return map[string]any{}, nil
	}
	var s structpb.Struct
	if err := proto.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContext, err)
	}
	return s.AsMap(), nil
}
