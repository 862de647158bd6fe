package wire

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/lib/pq/oid"
	"github.com/shopspring/decimal"
)

// codec describes how a single Postgres type is represented on the wire in
// both text and binary format. A table of per-OID codecs is used instead of
// an inheritance hierarchy of value types, per the demo dialect's design.
type codec struct {
	name         string
	size         int16 // -1 for variable length
	encodeText   func(v any) ([]byte, error)
	encodeBinary func(v any) ([]byte, error)
	decodeText   func(b []byte) (any, error)
	decodeBinary func(b []byte) (any, error)
}

func textOnly(name string) *codec {
	return &codec{
		name: name,
		size: -1,
		encodeText: func(v any) ([]byte, error) {
			return []byte(fmt.Sprintf("%v", v)), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			return []byte(fmt.Sprintf("%v", v)), nil
		},
		decodeText: func(b []byte) (any, error) {
			return string(b), nil
		},
		decodeBinary: func(b []byte) (any, error) {
			return string(b), nil
		},
	}
}

var typeCodecs = map[oid.Oid]*codec{
	oid.T_bool: {
		name: "bool", size: 1,
		encodeText: func(v any) ([]byte, error) {
			if toBool(v) {
				return []byte("t"), nil
			}
			return []byte("f"), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			if toBool(v) {
				return []byte{1}, nil
			}
			return []byte{0}, nil
		},
		decodeText: func(b []byte) (any, error) {
			return len(b) > 0 && (b[0] == 't' || b[0] == 'T' || b[0] == '1'), nil
		},
		decodeBinary: func(b []byte) (any, error) {
			return len(b) > 0 && b[0] != 0, nil
		},
	},
	oid.T_int4: {
		name: "int4", size: 4,
		encodeText: func(v any) ([]byte, error) {
			return []byte(strconv.FormatInt(toInt64(v), 10)), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(int32(toInt64(v))))
			return buf, nil
		},
		decodeText: func(b []byte) (any, error) {
			n, err := strconv.ParseInt(string(b), 10, 32)
			return int32(n), err
		},
		decodeBinary: func(b []byte) (any, error) {
			if len(b) != 4 {
				return nil, fmt.Errorf("int4: expected 4 bytes, got %d", len(b))
			}
			return int32(binary.BigEndian.Uint32(b)), nil
		},
	},
	oid.T_int8: {
		name: "int8", size: 8,
		encodeText: func(v any) ([]byte, error) {
			return []byte(strconv.FormatInt(toInt64(v), 10)), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, uint64(toInt64(v)))
			return buf, nil
		},
		decodeText: func(b []byte) (any, error) {
			return strconv.ParseInt(string(b), 10, 64)
		},
		decodeBinary: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("int8: expected 8 bytes, got %d", len(b))
			}
			return int64(binary.BigEndian.Uint64(b)), nil
		},
	},
	oid.T_float8: {
		name: "float8", size: 8,
		encodeText: func(v any) ([]byte, error) {
			return []byte(strconv.FormatFloat(toFloat64(v), 'g', -1, 64)), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			buf := make([]byte, 8)
			binary.BigEndian.PutUint64(buf, math.Float64bits(toFloat64(v)))
			return buf, nil
		},
		decodeText: func(b []byte) (any, error) {
			return strconv.ParseFloat(string(b), 64)
		},
		decodeBinary: func(b []byte) (any, error) {
			if len(b) != 8 {
				return nil, fmt.Errorf("float8: expected 8 bytes, got %d", len(b))
			}
			return math.Float64frombits(binary.BigEndian.Uint64(b)), nil
		},
	},
	oid.T_numeric: {
		name: "numeric", size: -1,
		encodeText: func(v any) ([]byte, error) {
			d, err := toDecimal(v)
			if err != nil {
				return nil, err
			}
			return []byte(d.String()), nil
		},
		encodeBinary: func(v any) ([]byte, error) {
			d, err := toDecimal(v)
			if err != nil {
				return nil, err
			}
			return []byte(d.String()), nil
		},
		decodeText: func(b []byte) (any, error) {
			return decimal.NewFromString(string(b))
		},
		decodeBinary: func(b []byte) (any, error) {
			return decimal.NewFromString(string(b))
		},
	},
	oid.T_text:    textOnly("text"),
	oid.T_varchar: textOnly("varchar"),
	oid.T_bpchar:  textOnly("bpchar"),
	oid.T_unknown: textOnly("unknown"),
}

// lookupCodec returns the codec registered for o, falling back to the text
// codec for any type the demo dialect does not model explicitly.
func lookupCodec(o oid.Oid) *codec {
	if c, ok := typeCodecs[o]; ok {
		return c
	}
	return typeCodecs[oid.T_text]
}

func toBool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(t, "t") || strings.EqualFold(t, "true")
	default:
		return false
	}
}

func toInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int32:
		return int64(t)
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

func toFloat64(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	default:
		return 0
	}
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch t := v.(type) {
	case decimal.Decimal:
		return t, nil
	case string:
		return decimal.NewFromString(t)
	case int64:
		return decimal.NewFromInt(t), nil
	case float64:
		return decimal.NewFromFloat(t), nil
	default:
		return decimal.Decimal{}, fmt.Errorf("cannot represent %T as numeric", v)
	}
}

// inferOID returns the demo dialect's type inference for a literal Go value,
// used to build RowDescription/ParameterDescription entries when the caller
// did not specify an explicit type.
func inferOID(v any) oid.Oid {
	switch v.(type) {
	case bool:
		return oid.T_bool
	case int, int32:
		return oid.T_int4
	case int64:
		return oid.T_int8
	case float32, float64:
		return oid.T_float8
	case decimal.Decimal:
		return oid.T_numeric
	case nil:
		return oid.T_unknown
	default:
		return oid.T_text
	}
}
