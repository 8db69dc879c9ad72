package encode

import (
	"encoding/binary"
)

func EncodeUint64(buf []byte, u uint64) []byte {
	return append(buf, byte(u>>56), byte(u>>48), byte(u>>40), byte(u>>32), byte(u>>24),
		byte(u>>16), byte(u>>8), byte(u))
}

func DecodeUint64(buf []byte) ([]byte, uint64, bool) {
	if len(buf) < 8 {
		return nil, 0, false
	}
	return buf[8:], binary.BigEndian.Uint64(buf), true
}

func EncodeVarint(buf []byte, n uint64) []byte {
	for n >= 0x80 {
		buf = append(buf, byte(n)|0x80)
		n >>= 7
	}
	return append(buf, byte(n))
}

func DecodeVarint(buf []byte) ([]byte, uint64, bool) {
	var n uint64
	for shift := uint(0); shift < 64; shift += 7 {
		if len(buf) == 0 {
			return nil, 0, false
		}
		b := buf[0]
		buf = buf[1:]
		n |= uint64(b&0x7F) << shift
		if b < 0x80 {
			return buf, n, true
		}
	}
	return nil, 0, false
}

func EncodeZigzag64(buf []byte, n int64) []byte {
	return EncodeVarint(buf, uint64((n<<1)^(n>>63)))
}

func DecodeZigzag64(buf []byte) ([]byte, int64, bool) {
	buf, u, ok := DecodeVarint(buf)
	if !ok {
		return nil, 0, false
	}
	return buf, int64(u>>1) ^ -int64(u&1), true
}
