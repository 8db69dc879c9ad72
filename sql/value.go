package sql

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
)

const (
	NullString  = "NULL"
	TrueString  = "true"
	FalseString = "false"
)

type Value interface {
	fmt.Stringer

	// return -1 if v1 < v2
	// return 0 if v1 == v2
	// return 1 if v1 > v2
	Compare(v2 Value) (int, error)
}

type BoolValue bool

func (b BoolValue) String() string {
	if b {
		return TrueString
	}
	return FalseString
}

func (b1 BoolValue) Compare(v2 Value) (int, error) {
	if b2, ok := v2.(BoolValue); ok {
		if b1 == b2 {
			return 0, nil
		} else if b1 {
			return 1, nil
		}
		return -1, nil
	}
	return 0, errors.Errorf("sql: want boolean got %v", v2)
}

type Int64Value int64

func (i Int64Value) String() string {
	return strconv.FormatInt(int64(i), 10)
}

func (i1 Int64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		if i1 < v2 {
			return -1, nil
		} else if i1 > v2 {
			return 1, nil
		}
		return 0, nil
	case Float64Value:
		return compareFloat(float64(i1), float64(v2)), nil
	}
	return 0, errors.Errorf("sql: want number got %v", v2)
}

type Float64Value float64

func (d Float64Value) String() string {
	return strconv.FormatFloat(float64(d), 'g', -1, 64)
}

func (d1 Float64Value) Compare(v2 Value) (int, error) {
	switch v2 := v2.(type) {
	case Int64Value:
		return compareFloat(float64(d1), float64(v2)), nil
	case Float64Value:
		return compareFloat(float64(d1), float64(v2)), nil
	}
	return 0, errors.Errorf("sql: want number got %v", v2)
}

// NaN sorts before every other number.
func compareFloat(f1, f2 float64) int {
	if math.IsNaN(f1) {
		if math.IsNaN(f2) {
			return 0
		}
		return -1
	} else if math.IsNaN(f2) {
		return 1
	} else if f1 < f2 {
		return -1
	} else if f1 > f2 {
		return 1
	}
	return 0
}

type StringValue string

func (s StringValue) String() string {
	return "'" + strings.ReplaceAll(string(s), "'", "''") + "'"
}

func (s1 StringValue) Compare(v2 Value) (int, error) {
	if s2, ok := v2.(StringValue); ok {
		return strings.Compare(string(s1), string(s2)), nil
	}
	return 0, errors.Errorf("sql: want string got %v", v2)
}

type BytesValue []byte

var (
	hexDigits = [16]rune{'0', '1', '2', '3', '4', '5', '6', '7', '8', '9', 'a', 'b', 'c', 'd',
		'e', 'f'}
)

func (b BytesValue) String() string {
	var buf bytes.Buffer
	buf.WriteString("'\\x")
	for _, v := range b {
		buf.WriteRune(hexDigits[v>>4])
		buf.WriteRune(hexDigits[v&0xF])
	}

	buf.WriteRune('\'')
	return buf.String()
}

func (b1 BytesValue) Compare(v2 Value) (int, error) {
	if b2, ok := v2.(BytesValue); ok {
		return bytes.Compare([]byte(b1), []byte(b2)), nil
	}
	return 0, errors.Errorf("sql: want bytes got %v", v2)
}

// VariantValue is a semi-structured (JSON) document. Doc holds nil, bool, float64, string,
// []interface{} or map[string]interface{}.
type VariantValue struct {
	Doc interface{}
}

func ParseVariant(s string) (VariantValue, error) {
	var doc interface{}
	err := json.Unmarshal([]byte(s), &doc)
	if err != nil {
		return VariantValue{}, errors.Wrapf(err, "sql: invalid variant %q", s)
	}
	return VariantValue{Doc: doc}, nil
}

func MustParseVariant(s string) VariantValue {
	vv, err := ParseVariant(s)
	if err != nil {
		panic(err.Error())
	}
	return vv
}

func (vv VariantValue) String() string {
	buf, err := json.Marshal(vv.Doc)
	if err != nil {
		return fmt.Sprintf("<invalid variant: %s>", err)
	}
	return "'" + strings.ReplaceAll(string(buf), "'", "''") + "'::VARIANT"
}

// JSON returns the document as JSON text.
func (vv VariantValue) JSON() string {
	buf, _ := json.Marshal(vv.Doc)
	return string(buf)
}

func (vv1 VariantValue) Compare(v2 Value) (int, error) {
	if vv2, ok := v2.(VariantValue); ok {
		return CompareVariant(vv1.Doc, vv2.Doc), nil
	}
	return 0, errors.Errorf("sql: want variant got %v", v2)
}

func variantRank(doc interface{}) int {
	switch doc.(type) {
	case nil:
		return 0
	case bool:
		return 1
	case float64:
		return 2
	case string:
		return 3
	case []interface{}:
		return 4
	case map[string]interface{}:
		return 5
	}
	panic(fmt.Sprintf("unexpected type for variant: %T: %v", doc, doc))
}

func SortedKeys(obj map[string]interface{}) []string {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CompareVariant orders documents null < bool < number < string < array < object; arrays
// compare element by element and objects compare sorted (key, value) pairs.
func CompareVariant(d1, d2 interface{}) int {
	r1 := variantRank(d1)
	r2 := variantRank(d2)
	if r1 < r2 {
		return -1
	} else if r1 > r2 {
		return 1
	}

	switch d1 := d1.(type) {
	case nil:
		return 0
	case bool:
		cmp, _ := BoolValue(d1).Compare(BoolValue(d2.(bool)))
		return cmp
	case float64:
		return compareFloat(d1, d2.(float64))
	case string:
		return strings.Compare(d1, d2.(string))
	case []interface{}:
		a2 := d2.([]interface{})
		for idx := 0; idx < len(d1) && idx < len(a2); idx += 1 {
			if cmp := CompareVariant(d1[idx], a2[idx]); cmp != 0 {
				return cmp
			}
		}
		return compareLen(len(d1), len(a2))
	case map[string]interface{}:
		o2 := d2.(map[string]interface{})
		k1 := SortedKeys(d1)
		k2 := SortedKeys(o2)
		for idx := 0; idx < len(k1) && idx < len(k2); idx += 1 {
			if cmp := strings.Compare(k1[idx], k2[idx]); cmp != 0 {
				return cmp
			}
			if cmp := CompareVariant(d1[k1[idx]], o2[k2[idx]]); cmp != 0 {
				return cmp
			}
		}
		return compareLen(len(k1), len(k2))
	}
	panic("not reached")
}

func compareLen(l1, l2 int) int {
	if l1 < l2 {
		return -1
	} else if l1 > l2 {
		return 1
	}
	return 0
}

func typeRank(v Value) int {
	switch v.(type) {
	case BoolValue:
		return 1
	case Float64Value, Int64Value:
		return 2
	case StringValue:
		return 3
	case BytesValue:
		return 4
	case VariantValue:
		return 5
	}
	panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", v, v))
}

// Compare orders NULL first, then by type, then by value.
func Compare(v1, v2 Value) int {
	if v1 == nil {
		if v2 == nil {
			return 0
		}
		return -1
	}
	if v2 == nil {
		return 1
	}

	r1 := typeRank(v1)
	r2 := typeRank(v2)
	if r1 < r2 {
		return -1
	} else if r1 > r2 {
		return 1
	}
	cmp, _ := v1.Compare(v2)
	return cmp
}

func Format(v Value) string {
	if v == nil {
		return NullString
	}

	return v.String()
}

func ConvertValue(dt DataType, v Value) (Value, error) {
	if v == nil {
		return nil, nil
	}

	switch dt {
	case BoolType:
		if sv, ok := v.(StringValue); ok {
			s := strings.Trim(string(sv), " \t\n")
			if s == "t" || s == "true" || s == "y" || s == "yes" || s == "on" || s == "1" {
				return BoolValue(true), nil
			} else if s == "f" || s == "false" || s == "n" || s == "no" || s == "off" || s == "0" {
				return BoolValue(false), nil
			} else {
				return nil, errors.Errorf("sql: expected a boolean value: %v", v)
			}
		} else if _, ok := v.(BoolValue); !ok {
			return nil, errors.Errorf("sql: expected a boolean value: %v", v)
		}
	case StringType:
		if i, ok := v.(Int64Value); ok {
			return StringValue(strconv.FormatInt(int64(i), 10)), nil
		} else if f, ok := v.(Float64Value); ok {
			return StringValue(strconv.FormatFloat(float64(f), 'g', -1, 64)), nil
		} else if b, ok := v.(BytesValue); ok {
			if !utf8.Valid([]byte(b)) {
				return nil, errors.Errorf("sql: expected a valid utf8 string: %v", v)
			}
			return StringValue(b), nil
		} else if _, ok := v.(StringValue); !ok {
			return nil, errors.Errorf("sql: expected a string value: %v", v)
		}
	case BytesType:
		if s, ok := v.(StringValue); ok {
			return BytesValue(s), nil
		} else if _, ok := v.(BytesValue); !ok {
			return nil, errors.Errorf("sql: expected a bytes value: %v", v)
		}
	case Float64Type:
		if i, ok := v.(Int64Value); ok {
			return Float64Value(i), nil
		} else if s, ok := v.(StringValue); ok {
			d, err := strconv.ParseFloat(strings.Trim(string(s), " \t\n"), 64)
			if err != nil {
				return nil, errors.Errorf("sql: expected a float: %v: %s", v, err)
			}
			return Float64Value(d), nil
		} else if _, ok := v.(Float64Value); !ok {
			return nil, errors.Errorf("sql: expected a float value: %v", v)
		}
	case Int64Type:
		if f, ok := v.(Float64Value); ok {
			return Int64Value(f), nil
		} else if s, ok := v.(StringValue); ok {
			i, err := strconv.ParseInt(strings.Trim(string(s), " \t\n"), 10, 64)
			if err != nil {
				return nil, errors.Errorf("sql: expected an integer: %v: %s", v, err)
			}
			return Int64Value(i), nil
		} else if _, ok := v.(Int64Value); !ok {
			return nil, errors.Errorf("sql: expected an integer value: %v", v)
		}
	case VariantType:
		switch v := v.(type) {
		case VariantValue:
			return v, nil
		case StringValue:
			return ParseVariant(string(v))
		case BoolValue:
			return VariantValue{Doc: bool(v)}, nil
		case Int64Value:
			return VariantValue{Doc: float64(v)}, nil
		case Float64Value:
			return VariantValue{Doc: float64(v)}, nil
		}
		return nil, errors.Errorf("sql: expected a variant value: %v", v)
	default:
		panic(fmt.Sprintf("expected a valid data type; got %v", dt))
	}

	return v, nil
}
