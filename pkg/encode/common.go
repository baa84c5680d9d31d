package encode

import (
	"encoding/binary"

	. "github.com/weberc2/mfs/pkg/types"
)

// All on-disk integers are little-endian and packed without alignment
// padding.

func PutU64(b []byte, start Byte, u uint64) {
	binary.LittleEndian.PutUint64(b[start:start+8], u)
}

func GetU64(b []byte, start Byte) uint64 {
	return binary.LittleEndian.Uint64(b[start : start+8])
}

func PutU32(b []byte, start Byte, u uint32) {
	binary.LittleEndian.PutUint32(b[start:start+4], u)
}

func GetU32(b []byte, start Byte) uint32 {
	return binary.LittleEndian.Uint32(b[start : start+4])
}

func PutU16(b []byte, start Byte, u uint16) {
	binary.LittleEndian.PutUint16(b[start:start+2], u)
}

func GetU16(b []byte, start Byte) uint16 {
	return binary.LittleEndian.Uint16(b[start : start+2])
}

func PutU8(b []byte, start Byte, u uint8) {
	b[start] = u
}

func GetU8(b []byte, start Byte) uint8 {
	return b[start]
}

func putBlock(b []byte, start Byte, block Block) {
	PutU32(b, start, uint32(block))
}

func getBlock(b []byte, start Byte) Block {
	return Block(GetU32(b, start))
}
