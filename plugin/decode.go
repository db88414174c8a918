package plugin

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/intheon/stream-viewer/errors"
)

// Validatable is implemented by config structs that check their own
// invariants after decoding.
type Validatable interface {
	Validate() error
}

// DecodeConfig unmarshals a raw config document into target, which must be
// a non-nil pointer. An empty document leaves target untouched so zero-value
// defaults apply. When target implements Validatable its Validate method
// runs after decoding.
//
// Schema checks happen separately through Registry.ValidateConfig. DecodeConfig
// guards only the decode itself.
func DecodeConfig(raw json.RawMessage, target any) error {
	if len(raw) > MaxSchemaSize {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigDecoder", "DecodeConfig", "config size validation")
	}
	if len(raw) == 0 {
		return nil
	}

	v := reflect.ValueOf(target)
	if !v.IsValid() || v.Kind() != reflect.Pointer || v.IsNil() {
		return errors.WrapInvalid(
			fmt.Errorf("target must be a non-nil pointer, got %T", target),
			"ConfigDecoder", "DecodeConfig", "target type check")
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %w", errors.ErrDecodingFailed, err),
			"ConfigDecoder", "DecodeConfig", "JSON unmarshaling")
	}

	if validatable, ok := target.(Validatable); ok {
		if err := validatable.Validate(); err != nil {
			return errors.Wrap(err, "ConfigDecoder", "DecodeConfig", "config validation")
		}
	}
	return nil
}
