package model

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/google/uuid"
)

// NormalizeValue converts a driver or decoded value to the canonical Go
// representation for dt: int64, float64, string (decimal reduced with apd,
// uuid lower-case), bool, []byte or UTC time.Time. nil stays nil.
func NormalizeValue(dt DataType, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	if p, ok := v.(*string); ok {
		if p == nil {
			return nil, nil
		}
		v = *p
	}
	switch dt {
	case TypeInt:
		return toInt64(v)
	case TypeFloat:
		return toFloat64(v)
	case TypeDecimal:
		return toDecimalString(v)
	case TypeBool:
		return toBool(v)
	case TypeBytes:
		switch x := v.(type) {
		case []byte:
			return append([]byte(nil), x...), nil
		case string:
			return []byte(x), nil
		}
	case TypeDateTime:
		return toTime(v)
	case TypeUUID:
		switch x := v.(type) {
		case uuid.UUID:
			return x.String(), nil
		case [16]byte:
			return uuid.UUID(x).String(), nil
		case []byte:
			if len(x) == 16 {
				u, err := uuid.FromBytes(x)
				if err != nil {
					return nil, err
				}
				return u.String(), nil
			}
			return strings.ToLower(string(x)), nil
		case string:
			u, err := uuid.Parse(x)
			if err != nil {
				return nil, fmt.Errorf("invalid uuid %q: %w", x, err)
			}
			return u.String(), nil
		}
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case []byte:
			return string(x), nil
		default:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("cannot convert %T to %s", v, dt)
}

// MustNormalize is NormalizeValue for literals known to be valid.
func MustNormalize(dt DataType, v any) any {
	n, err := NormalizeValue(dt, v)
	if err != nil {
		panic(err)
	}
	return n
}

func toInt64(v any) (any, error) {
	switch x := v.(type) {
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case int64:
		return x, nil
	case uint:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		if x > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int64", x)
		}
		return int64(x), nil
	case float64:
		if x != math.Trunc(x) {
			return nil, fmt.Errorf("value %v is not integral", x)
		}
		return int64(x), nil
	case bool:
		if x {
			return int64(1), nil
		}
		return int64(0), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(strings.TrimSpace(x), 10, 64)
	case fmt.Stringer:
		return strconv.ParseInt(x.String(), 10, 64)
	}
	return nil, fmt.Errorf("cannot convert %T to int", v)
}

func toFloat64(v any) (any, error) {
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32:
		i, err := toInt64(x)
		if err != nil {
			return nil, err
		}
		return float64(i.(int64)), nil
	case []byte:
		return strconv.ParseFloat(string(x), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(x), 64)
	case fmt.Stringer:
		return strconv.ParseFloat(x.String(), 64)
	}
	return nil, fmt.Errorf("cannot convert %T to float", v)
}

// toDecimalString reduces the value so "10.50" and "10.5" compare equal.
func toDecimalString(v any) (any, error) {
	var s string
	switch x := v.(type) {
	case string:
		s = x
	case []byte:
		s = string(x)
	case float64:
		s = strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		s = strconv.FormatFloat(float64(x), 'f', -1, 32)
	case *apd.Decimal:
		s = x.String()
	case apd.Decimal:
		s = x.String()
	case fmt.Stringer:
		s = x.String()
	default:
		i, err := toInt64(v)
		if err != nil {
			return nil, fmt.Errorf("cannot convert %T to decimal", v)
		}
		s = strconv.FormatInt(i.(int64), 10)
	}
	d, _, err := apd.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return nil, fmt.Errorf("invalid decimal %q: %w", s, err)
	}
	var reduced apd.Decimal
	reduced.Reduce(d)
	return reduced.Text('f'), nil
}

func toBool(v any) (any, error) {
	switch x := v.(type) {
	case bool:
		return x, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, err := toInt64(x)
		if err != nil {
			return nil, err
		}
		return i.(int64) != 0, nil
	case []byte:
		return strconv.ParseBool(string(x))
	case string:
		return strconv.ParseBool(strings.TrimSpace(x))
	}
	return nil, fmt.Errorf("cannot convert %T to bool", v)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02",
}

func toTime(v any) (any, error) {
	switch x := v.(type) {
	case time.Time:
		return x.UTC(), nil
	case []byte:
		return toTime(string(x))
	case string:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, strings.TrimSpace(x)); err == nil {
				return t.UTC(), nil
			}
		}
		return nil, fmt.Errorf("invalid datetime %q", x)
	case int64:
		return time.Unix(0, x).UTC(), nil
	}
	return nil, fmt.Errorf("cannot convert %T to datetime", v)
}

// ValuesEqual compares two canonical values of type dt.
func ValuesEqual(dt DataType, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch x := a.(type) {
	case []byte:
		y, ok := b.([]byte)
		return ok && bytes.Equal(x, y)
	case time.Time:
		y, ok := b.(time.Time)
		return ok && x.Equal(y)
	}
	if dt == TypeDecimal {
		na, errA := toDecimalString(a)
		nb, errB := toDecimalString(b)
		if errA == nil && errB == nil {
			return na == nb
		}
	}
	return a == b
}

// EncodeBytes and DecodeBytes are used by text-based batch encodings.
func EncodeBytes(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func DecodeBytes(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
