package io

import (
	"encoding/binary"
)

// All on-disk integers are little-endian.

func ToUInt16(b []byte) uint16 {
	return binary.LittleEndian.Uint16(b)
}

func ToUInt32(b []byte) uint32 {
	return binary.LittleEndian.Uint32(b)
}

func ToUInt64(b []byte) uint64 {
	return binary.LittleEndian.Uint64(b)
}

func ToInt64(b []byte) int64 {
	return int64(binary.LittleEndian.Uint64(b))
}

func AppendUInt16(b []byte, v uint16) []byte {
	var buf [2]byte
	binary.LittleEndian.PutUint16(buf[:], v)
	return append(b, buf[:]...)
}

func AppendUInt32(b []byte, v uint32) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return append(b, buf[:]...)
}

func AppendUInt64(b []byte, v uint64) []byte {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return append(b, buf[:]...)
}

func AppendInt64(b []byte, v int64) []byte {
	return AppendUInt64(b, uint64(v))
}
