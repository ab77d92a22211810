package condition

import (
	"encoding/json"
	"fmt"
	"strconv"
)

type kind int

const (
	kindAbsent kind = iota
	kindNumber
	kindString
	kindBool
)

type value struct {
	kind kind
	num  float64
	str  string
	b    bool
}

func numberValue(f float64) value { return value{kind: kindNumber, num: f} }
func stringValue(s string) value  { return value{kind: kindString, str: s} }
func boolValue(b bool) value      { return value{kind: kindBool, b: b} }

func fromAny(v any, ok bool) value {
	if !ok || v == nil {
		return value{}
	}
	if f, isNum := ToFloat(v); isNum {
		return numberValue(f)
	}
	switch t := v.(type) {
	case string:
		return stringValue(t)
	case bool:
		return boolValue(t)
	}
	return stringValue(fmt.Sprint(v))
}

// ToFloat converts the numeric types found in decoded documents to float64.
func ToFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func (v value) truthy() bool {
	switch v.kind {
	case kindBool:
		return v.b
	case kindNumber:
		return v.num != 0
	case kindString:
		return v.str != ""
	}
	return false
}

func (v value) number() float64 {
	switch v.kind {
	case kindNumber:
		return v.num
	case kindBool:
		if v.b {
			return 1
		}
	case kindString:
		if f, err := strconv.ParseFloat(v.str, 64); err == nil {
			return f
		}
	}
	return 0
}

// zeroOf is the typed default an absent value takes next to other.
func zeroOf(other value) value {
	switch other.kind {
	case kindNumber:
		return numberValue(0)
	case kindBool:
		return boolValue(false)
	case kindString:
		return stringValue("")
	}
	return value{}
}

func compare(op string, l, r value) bool {
	if l.kind == kindAbsent {
		l = zeroOf(r)
	}
	if r.kind == kindAbsent {
		r = zeroOf(l)
	}

	// numeric strings compare as numbers against numbers
	if l.kind == kindNumber && r.kind == kindString {
		if f, err := strconv.ParseFloat(r.str, 64); err == nil {
			r = numberValue(f)
		}
	}
	if r.kind == kindNumber && l.kind == kindString {
		if f, err := strconv.ParseFloat(l.str, 64); err == nil {
			l = numberValue(f)
		}
	}

	var c int
	switch {
	case l.kind == kindAbsent && r.kind == kindAbsent:
		c = 0
	case l.kind == kindNumber && r.kind == kindNumber:
		switch {
		case l.num < r.num:
			c = -1
		case l.num > r.num:
			c = 1
		}
	case l.kind == kindString && r.kind == kindString:
		switch {
		case l.str < r.str:
			c = -1
		case l.str > r.str:
			c = 1
		}
	case l.kind == kindBool && r.kind == kindBool:
		switch op {
		case "==":
			return l.b == r.b
		case "!=":
			return l.b != r.b
		}
		return false
	default:
		// mismatched types are never equal and never ordered
		return op == "!="
	}

	switch op {
	case "==":
		return c == 0
	case "!=":
		return c != 0
	case ">=":
		return c >= 0
	case ">":
		return c > 0
	case "<=":
		return c <= 0
	case "<":
		return c < 0
	}
	return false
}
