package stream

// ChannelFormat identifies the per-channel sample encoding of a stream.
type ChannelFormat string

// Channel format constants, mirroring the wire-level format codes.
const (
	FormatUndefined ChannelFormat = "undefined"
	FormatFloat32   ChannelFormat = "float32"
	FormatFloat64   ChannelFormat = "float64"
	FormatString    ChannelFormat = "string"
	FormatInt32     ChannelFormat = "int32"
	FormatInt16     ChannelFormat = "int16"
	FormatInt8      ChannelFormat = "int8"
	FormatInt64     ChannelFormat = "int64"
)

// formatCodes maps wire-level format codes to tags. Code 0 is reserved for
// undefined; string-formatted channels carry variable-length marker payloads.
var formatCodes = map[int]ChannelFormat{
	0: FormatUndefined,
	1: FormatFloat32,
	2: FormatFloat64,
	3: FormatString,
	4: FormatInt32,
	5: FormatInt16,
	6: FormatInt8,
	7: FormatInt64,
}

// FormatFromCode converts a wire-level format code to its tag. Unknown codes
// map to FormatUndefined.
func FormatFromCode(code int) ChannelFormat {
	if f, ok := formatCodes[code]; ok {
		return f
	}
	return FormatUndefined
}

// ParseFormat converts a format tag string to a ChannelFormat. Unknown input
// maps to FormatUndefined.
func ParseFormat(s string) ChannelFormat {
	switch ChannelFormat(s) {
	case FormatFloat32, FormatFloat64, FormatString, FormatInt32,
		FormatInt16, FormatInt8, FormatInt64:
		return ChannelFormat(s)
	default:
		return FormatUndefined
	}
}

// Code returns the wire-level format code for the tag, 0 for undefined or
// unknown tags.
func (f ChannelFormat) Code() int {
	for code, tag := range formatCodes {
		if tag == f {
			return code
		}
	}
	return 0
}

// SampleBytes returns the fixed per-value size in bytes, or 0 for
// variable-length (string) and undefined formats.
func (f ChannelFormat) SampleBytes() int {
	switch f {
	case FormatInt8:
		return 1
	case FormatInt16:
		return 2
	case FormatFloat32, FormatInt32:
		return 4
	case FormatFloat64, FormatInt64:
		return 8
	default:
		return 0
	}
}

// IsNumeric reports whether samples carry numeric values. String-formatted
// streams are marker streams and deliver text events instead.
func (f ChannelFormat) IsNumeric() bool {
	switch f {
	case FormatFloat32, FormatFloat64, FormatInt32, FormatInt16, FormatInt8, FormatInt64:
		return true
	default:
		return false
	}
}

// String implements fmt.Stringer.
func (f ChannelFormat) String() string {
	return string(f)
}
