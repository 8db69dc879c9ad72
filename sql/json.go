package sql

import (
	"encoding/json"

	"github.com/cockroachdb/errors"
)

// ValueJSON wraps a Value so that it keeps its type through JSON.
type ValueJSON struct {
	Value Value
}

type valueJSON struct {
	Type  string          `json:"t"`
	Value json.RawMessage `json:"v,omitempty"`
}

func (vj ValueJSON) MarshalJSON() ([]byte, error) {
	var vjs valueJSON
	var err error
	switch v := vj.Value.(type) {
	case nil:
		vjs.Type = "null"
	case BoolValue:
		vjs.Type = "bool"
		vjs.Value, err = json.Marshal(bool(v))
	case Int64Value:
		vjs.Type = "int64"
		vjs.Value, err = json.Marshal(int64(v))
	case Float64Value:
		vjs.Type = "float64"
		vjs.Value, err = json.Marshal(float64(v))
	case StringValue:
		vjs.Type = "string"
		vjs.Value, err = json.Marshal(string(v))
	case BytesValue:
		vjs.Type = "bytes"
		vjs.Value, err = json.Marshal([]byte(v))
	case VariantValue:
		vjs.Type = "variant"
		vjs.Value, err = json.Marshal(v.Doc)
	default:
		return nil, errors.Errorf("sql: unexpected type for sql.Value: %T", v)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(vjs)
}

func (vj *ValueJSON) UnmarshalJSON(buf []byte) error {
	var vjs valueJSON
	err := json.Unmarshal(buf, &vjs)
	if err != nil {
		return err
	}

	switch vjs.Type {
	case "null":
		vj.Value = nil
	case "bool":
		var b bool
		err = json.Unmarshal(vjs.Value, &b)
		vj.Value = BoolValue(b)
	case "int64":
		var i int64
		err = json.Unmarshal(vjs.Value, &i)
		vj.Value = Int64Value(i)
	case "float64":
		var f float64
		err = json.Unmarshal(vjs.Value, &f)
		vj.Value = Float64Value(f)
	case "string":
		var s string
		err = json.Unmarshal(vjs.Value, &s)
		vj.Value = StringValue(s)
	case "bytes":
		var b []byte
		err = json.Unmarshal(vjs.Value, &b)
		vj.Value = BytesValue(b)
	case "variant":
		var doc interface{}
		err = json.Unmarshal(vjs.Value, &doc)
		vj.Value = VariantValue{Doc: doc}
	default:
		return errors.Errorf("sql: unexpected value type: %s", vjs.Type)
	}
	return err
}

func ValuesToJSON(vals []Value) []ValueJSON {
	if vals == nil {
		return nil
	}
	vjs := make([]ValueJSON, len(vals))
	for idx, v := range vals {
		vjs[idx] = ValueJSON{Value: v}
	}
	return vjs
}

func ValuesFromJSON(vjs []ValueJSON) []Value {
	if vjs == nil {
		return nil
	}
	vals := make([]Value, len(vjs))
	for idx, vj := range vjs {
		vals[idx] = vj.Value
	}
	return vals
}
