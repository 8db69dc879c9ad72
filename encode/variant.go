package encode

import (
	"fmt"
	"math"

	"github.com/leftmike/fuse/sql"
)

const (
	// Variant documents are encoded as a tag followed by a binary representation; the tags
	// give the order between kinds of values.
	variantNullTag   = 0x10
	variantFalseTag  = 0x20
	variantTrueTag   = 0x21
	variantNumberTag = 0x30
	variantStringTag = 0x40
	variantArrayTag  = 0x50
	variantObjectTag = 0x60

	variantEntryTag = 0x01
	variantEndTag   = 0x00
)

// escapeBytes appends b so that the result is terminated and byte order is preserved:
// 0 and 1 are escaped with a 1 and the result ends with a 0.
func escapeBytes(buf []byte, b []byte) []byte {
	for _, c := range b {
		if c == 0 || c == 1 {
			buf = append(buf, 1)
		}
		buf = append(buf, c)
	}
	return append(buf, 0)
}

func float64Key(f float64) uint64 {
	if math.IsNaN(f) {
		return 0
	} else if f == 0 {
		f = 0
	}
	u := math.Float64bits(f)
	if u&(1<<63) != 0 {
		return ^u
	}
	return u | (1 << 63)
}

// ConvertToComparable appends an encoding of a variant document whose byte order is the
// order of sql.CompareVariant.
func ConvertToComparable(buf []byte, doc interface{}) []byte {
	switch doc := doc.(type) {
	case nil:
		buf = append(buf, variantNullTag)
	case bool:
		if doc {
			buf = append(buf, variantTrueTag)
		} else {
			buf = append(buf, variantFalseTag)
		}
	case float64:
		buf = append(buf, variantNumberTag)
		buf = EncodeUint64(buf, float64Key(doc))
	case string:
		buf = append(buf, variantStringTag)
		buf = escapeBytes(buf, []byte(doc))
	case []interface{}:
		buf = append(buf, variantArrayTag)
		for _, elem := range doc {
			buf = ConvertToComparable(buf, elem)
		}
		buf = append(buf, variantEndTag)
	case map[string]interface{}:
		buf = append(buf, variantObjectTag)
		for _, key := range sql.SortedKeys(doc) {
			buf = append(buf, variantEntryTag)
			buf = escapeBytes(buf, []byte(key))
			buf = ConvertToComparable(buf, doc[key])
		}
		buf = append(buf, variantEndTag)
	default:
		panic(fmt.Sprintf("unexpected type for variant: %T: %v", doc, doc))
	}
	return buf
}
