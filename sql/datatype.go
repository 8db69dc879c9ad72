package sql

import (
	"strings"

	"github.com/cockroachdb/errors"
)

type DataType int

const (
	BoolType DataType = iota + 1
	Int64Type
	Float64Type
	StringType
	BytesType
	VariantType
)

func (dt DataType) String() string {
	switch dt {
	case BoolType:
		return "BOOL"
	case Int64Type:
		return "BIGINT"
	case Float64Type:
		return "DOUBLE"
	case StringType:
		return "VARCHAR"
	case BytesType:
		return "BINARY"
	case VariantType:
		return "VARIANT"
	}

	return ""
}

func ParseDataType(s string) (DataType, error) {
	switch strings.ToUpper(s) {
	case "BOOL", "BOOLEAN":
		return BoolType, nil
	case "INT", "INTEGER", "BIGINT", "INT64":
		return Int64Type, nil
	case "DOUBLE", "FLOAT", "FLOAT64":
		return Float64Type, nil
	case "VARCHAR", "STRING", "TEXT":
		return StringType, nil
	case "BINARY", "BYTES", "BLOB":
		return BytesType, nil
	case "VARIANT", "JSON":
		return VariantType, nil
	}
	return 0, errors.Errorf("sql: unknown data type: %s", s)
}

// Field is a column of a table schema. Computed holds the expression text of a stored
// computed column; it is recomputed whenever a column it depends on is updated.
type Field struct {
	Name     string   `json:"name"`
	Type     DataType `json:"type"`
	Nullable bool     `json:"nullable,omitempty"`
	Computed string   `json:"computed,omitempty"`
}

type Schema struct {
	Fields []Field `json:"fields"`
}

func NewSchema(fields ...Field) Schema {
	return Schema{Fields: fields}
}

func (s Schema) Len() int {
	return len(s.Fields)
}

func (s Schema) Index(name string) (int, bool) {
	for idx, f := range s.Fields {
		if strings.EqualFold(f.Name, name) {
			return idx, true
		}
	}
	return -1, false
}

func (s Schema) Project(indices []int) Schema {
	fields := make([]Field, 0, len(indices))
	for _, idx := range indices {
		fields = append(fields, s.Fields[idx])
	}
	return Schema{Fields: fields}
}

func (s Schema) Append(fields ...Field) Schema {
	all := make([]Field, 0, len(s.Fields)+len(fields))
	all = append(all, s.Fields...)
	return Schema{Fields: append(all, fields...)}
}

func (s Schema) String() string {
	var b strings.Builder
	b.WriteRune('(')
	for idx, f := range s.Fields {
		if idx > 0 {
			b.WriteString(", ")
		}
		b.WriteString(f.Name)
		b.WriteRune(' ')
		b.WriteString(f.Type.String())
		if !f.Nullable {
			b.WriteString(" NOT NULL")
		}
		if f.Computed != "" {
			b.WriteString(" AS (")
			b.WriteString(f.Computed)
			b.WriteString(") STORED")
		}
	}
	b.WriteRune(')')
	return b.String()
}
