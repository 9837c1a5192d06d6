package engine

import (
	"cmp"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"time"
)

// ToFloat converts any numeric value, including json.Number, to float64.
func ToFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// integer classifies v as an exact integer. Unsigned values above MaxInt64 are
// reported in big with n left zero.
func integer(v any) (n int64, big uint64, ok bool) {
	switch x := v.(type) {
	case int:
		return int64(x), 0, true
	case int8:
		return int64(x), 0, true
	case int16:
		return int64(x), 0, true
	case int32:
		return int64(x), 0, true
	case int64:
		return x, 0, true
	case uint:
		return unsignedInteger(uint64(x))
	case uint8:
		return int64(x), 0, true
	case uint16:
		return int64(x), 0, true
	case uint32:
		return int64(x), 0, true
	case uint64:
		return unsignedInteger(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, 0, true
		}
		if u, err := strconv.ParseUint(string(x), 10, 64); err == nil {
			return unsignedInteger(u)
		}
	}
	return 0, 0, false
}

func unsignedInteger(u uint64) (int64, uint64, bool) {
	if u > math.MaxInt64 {
		return 0, u, true
	}
	return int64(u), 0, true
}

func compareIntegers(an int64, abig uint64, bn int64, bbig uint64) int {
	switch {
	case abig != 0 || bbig != 0:
		return cmp.Compare(abig, bbig)
	default:
		return cmp.Compare(an, bn)
	}
}

// compareValues orders a against b. ok is false when the two values cannot be ordered.
// Integers are compared exactly; float64 is used only when a float is involved.
func compareValues(a, b any) (result int, ok bool) {
	if a == nil || b == nil {
		return 0, false
	}
	if an, abig, aok := integer(a); aok {
		if bn, bbig, bok := integer(b); bok {
			return compareIntegers(an, abig, bn, bbig), true
		}
	}
	if af, aok := ToFloat(a); aok {
		bf, bok := ToFloat(b)
		if !bok {
			return 0, false
		}
		return cmp.Compare(af, bf), true
	}
	switch av := a.(type) {
	case string:
		bv, isString := b.(string)
		if !isString {
			return 0, false
		}
		switch {
		case av < bv:
			return -1, true
		case av > bv:
			return 1, true
		}
		return 0, true
	case bool:
		bv, isBool := b.(bool)
		if !isBool {
			return 0, false
		}
		switch {
		case av == bv:
			return 0, true
		case !av:
			return -1, true
		}
		return 1, true
	case time.Time:
		bv, isTime := b.(time.Time)
		if !isTime {
			return 0, false
		}
		return av.Compare(bv), true
	}
	return 0, false
}

// valuesEqual is equality as used by _eq, _ne, _in and _nin.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if c, ok := compareValues(a, b); ok {
		return c == 0
	}
	return reflect.DeepEqual(a, b)
}

// normalizeKey maps equal key values of different Go types onto one map key,
// so that an int64 foreign key finds the record whose primary key is an int.
func normalizeKey(v any) any {
	switch k := v.(type) {
	case nil:
		return nil
	case string:
		return k
	case bool:
		return k
	case time.Time:
		return k.UTC().Format(time.RFC3339Nano)
	}
	if n, big, ok := integer(v); ok {
		if big != 0 {
			return big
		}
		return n
	}
	if f, ok := ToFloat(v); ok {
		if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			return int64(f)
		}
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}
