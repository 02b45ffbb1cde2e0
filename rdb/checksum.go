package rdb

import "hash/crc64"

// jonesPoly is the reflected form of the CRC-64/Jones polynomial 0xad93d23594c935a9.
const jonesPoly = 0x95ac9329ac4bc9b5

var jonesTable = crc64.MakeTable(jonesPoly)

// crc64Jones continues a CRC-64/Jones (init 0, no final xor) over p.
// hash/crc64 inverts on the way in and out, so undo both.
func crc64Jones(crc uint64, p []byte) uint64 {
	return ^crc64.Update(^crc, jonesTable, p)
}

// Checksum returns the snapshot checksum of p.
func Checksum(p []byte) uint64 {
	return crc64Jones(0, p)
}
