package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"time"
)

func compare(op Op, left, right any) (bool, error) {
	switch op {
	case OpEq:
		return equal(left, right)
	case OpNe:
		eq, err := equal(left, right)
		return !eq, err
	case OpLt, OpLe, OpGt, OpGe:
		c, err := order(left, right)
		if err != nil {
			return false, err
		}
		switch op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}
	case OpIn:
		return member(left, right)
	case OpNotIn:
		in, err := member(left, right)
		return !in, err
	default:
		return false, fmt.Errorf("unsupported operator %q", op)
	}
}

type kind int

const (
	kindNil kind = iota
	kindNumber
	kindString
	kindBool
	kindTime
	kindOther
)

func classify(v any) (kind, any) {
	if v == nil {
		return kindNil, nil
	}
	if f, ok := toFloat(v); ok {
		return kindNumber, f
	}
	switch x := v.(type) {
	case string:
		return kindString, x
	case bool:
		return kindBool, x
	case time.Time:
		return kindTime, x
	}
	return kindOther, v
}

func toFloat(v any) (float64, bool) {
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
	}
	return 0, false
}

func equal(left, right any) (bool, error) {
	lk, lv := classify(left)
	rk, rv := classify(right)
	if lk == kindNil || rk == kindNil {
		return lk == rk, nil
	}
	if lk != rk {
		return false, fmt.Errorf("%w: %T vs %T", ErrTypeMismatch, left, right)
	}
	switch lk {
	case kindTime:
		return lv.(time.Time).Equal(rv.(time.Time)), nil
	case kindOther:
		return reflect.DeepEqual(lv, rv), nil
	}
	return lv == rv, nil
}

func order(left, right any) (int, error) {
	lk, lv := classify(left)
	rk, rv := classify(right)
	if lk != rk {
		return 0, fmt.Errorf("%w: %T vs %T", ErrTypeMismatch, left, right)
	}
	switch lk {
	case kindNumber:
		a, b := lv.(float64), rv.(float64)
		switch {
		case a < b:
			return -1, nil
		case a > b:
			return 1, nil
		}
		return 0, nil
	case kindString:
		return strings.Compare(lv.(string), rv.(string)), nil
	case kindTime:
		return lv.(time.Time).Compare(rv.(time.Time)), nil
	}
	return 0, fmt.Errorf("%w: %T is not ordered", ErrTypeMismatch, left)
}

// member reports whether left is an element of right. right is a slice or a
// comma separated string.
func member(left, right any) (bool, error) {
	if s, ok := right.(string); ok {
		lk, lv := classify(left)
		for _, part := range strings.Split(s, ",") {
			part = strings.TrimSpace(part)
			if lk == kindString && lv == part {
				return true, nil
			}
			if lk != kindString && fmt.Sprint(left) == part {
				return true, nil
			}
		}
		return false, nil
	}
	rv := reflect.ValueOf(right)
	if right == nil || (rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array) {
		return false, fmt.Errorf("%w: in requires a list, got %T", ErrTypeMismatch, right)
	}
	var (
		mismatch   error
		compatible bool
	)
	for i := 0; i < rv.Len(); i++ {
		el := rv.Index(i).Interface()
		eq, err := equal(left, el)
		if err != nil {
			if mismatch == nil {
				mismatch = err
			}
			continue
		}
		if eq {
			return true, nil
		}
		if el != nil {
			compatible = true
		}
	}
	if mismatch != nil && !compatible {
		return false, mismatch
	}
	return false, nil
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s) == ""
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	}
	return false
}
