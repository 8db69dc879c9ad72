package encode

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/leftmike/fuse/sql"
)

const (
	nullValueTag    = 0
	boolValueTag    = 1
	int64ValueTag   = 2
	float64ValueTag = 3
	stringValueTag  = 4
	bytesValueTag   = 5
	variantValueTag = 6
)

var (
	errCorrupt = errors.New("encode: corrupt value")
)

// EncodeValue appends a self-describing encoding of val to buf.
func EncodeValue(buf []byte, val sql.Value) []byte {
	switch val := val.(type) {
	case nil:
		buf = append(buf, nullValueTag)
	case sql.BoolValue:
		buf = append(buf, boolValueTag)
		if val {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case sql.StringValue:
		buf = append(buf, stringValueTag)
		buf = EncodeVarint(buf, uint64(len(val)))
		buf = append(buf, val...)
	case sql.BytesValue:
		buf = append(buf, bytesValueTag)
		buf = EncodeVarint(buf, uint64(len(val)))
		buf = append(buf, val...)
	case sql.Float64Value:
		buf = append(buf, float64ValueTag)
		buf = EncodeUint64(buf, math.Float64bits(float64(val)))
	case sql.Int64Value:
		buf = append(buf, int64ValueTag)
		buf = EncodeZigzag64(buf, int64(val))
	case sql.VariantValue:
		s := val.JSON()
		buf = append(buf, variantValueTag)
		buf = EncodeVarint(buf, uint64(len(s)))
		buf = append(buf, s...)
	default:
		panic(fmt.Sprintf("unexpected type for sql.Value: %T: %v", val, val))
	}
	return buf
}

func decodeLength(buf []byte) ([]byte, []byte, bool) {
	buf, u, ok := DecodeVarint(buf)
	if !ok || uint64(len(buf)) < u {
		return nil, nil, false
	}
	return buf[u:], buf[:u], true
}

func DecodeValue(buf []byte) ([]byte, sql.Value, error) {
	if len(buf) == 0 {
		return nil, nil, errCorrupt
	}

	tag := buf[0]
	buf = buf[1:]
	switch tag {
	case nullValueTag:
		return buf, nil, nil
	case boolValueTag:
		if len(buf) < 1 {
			return nil, nil, errCorrupt
		}
		return buf[1:], sql.BoolValue(buf[0] != 0), nil
	case stringValueTag:
		buf, b, ok := decodeLength(buf)
		if !ok {
			return nil, nil, errCorrupt
		}
		return buf, sql.StringValue(b), nil
	case bytesValueTag:
		buf, b, ok := decodeLength(buf)
		if !ok {
			return nil, nil, errCorrupt
		}
		return buf, sql.BytesValue(append([]byte(nil), b...)), nil
	case float64ValueTag:
		buf, u, ok := DecodeUint64(buf)
		if !ok {
			return nil, nil, errCorrupt
		}
		return buf, sql.Float64Value(math.Float64frombits(u)), nil
	case int64ValueTag:
		buf, n, ok := DecodeZigzag64(buf)
		if !ok {
			return nil, nil, errCorrupt
		}
		return buf, sql.Int64Value(n), nil
	case variantValueTag:
		buf, b, ok := decodeLength(buf)
		if !ok {
			return nil, nil, errCorrupt
		}
		var doc interface{}
		err := json.Unmarshal(b, &doc)
		if err != nil {
			return nil, nil, errors.Wrap(err, "encode: variant")
		}
		return buf, sql.VariantValue{Doc: doc}, nil
	}
	return nil, nil, errors.Wrapf(errCorrupt, "tag %d", tag)
}

// EncodeValues encodes a column chunk: the count followed by each value.
func EncodeValues(buf []byte, vals []sql.Value) []byte {
	buf = EncodeVarint(buf, uint64(len(vals)))
	for _, val := range vals {
		buf = EncodeValue(buf, val)
	}
	return buf
}

func DecodeValues(buf []byte) ([]sql.Value, error) {
	buf, n, ok := DecodeVarint(buf)
	if !ok {
		return nil, errCorrupt
	}

	if n > uint64(len(buf)) {
		return nil, errCorrupt
	}
	vals := make([]sql.Value, 0, n)
	for idx := uint64(0); idx < n; idx += 1 {
		var val sql.Value
		var err error
		buf, val, err = DecodeValue(buf)
		if err != nil {
			return nil, err
		}
		vals = append(vals, val)
	}
	if len(buf) != 0 {
		return nil, errors.Wrapf(errCorrupt, "%d trailing bytes", len(buf))
	}
	return vals, nil
}
