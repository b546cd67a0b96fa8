package checkpoint

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Typed payload tags. A channel version whose blob row is missing, or
// whose tag is TypeEmpty, reads back as an unset value.
const (
	TypeMsgpack = "msgpack"
	TypeEmpty   = "empty"
)

func dumpsTyped(value any) (string, []byte, error) {
	blob, err := msgpack.Marshal(value)
	if err != nil {
		return "", nil, fmt.Errorf("encode value: %w", err)
	}
	return TypeMsgpack, blob, nil
}

func loadsTypedInto(valueType string, blob []byte, dst any) error {
	switch valueType {
	case TypeEmpty:
		return nil
	case TypeMsgpack:
		if err := msgpack.Unmarshal(blob, dst); err != nil {
			return fmt.Errorf("decode value: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown value type %q", valueType)
	}
}

func loadsTyped(valueType string, blob []byte) (any, error) {
	switch valueType {
	case TypeEmpty:
		return nil, nil
	case TypeMsgpack:
		var value any
		if err := msgpack.Unmarshal(blob, &value); err != nil {
			return nil, fmt.Errorf("decode value: %w", err)
		}
		return value, nil
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}
