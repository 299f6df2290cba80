package protocol

import "hash/crc32"

var fcsTable = crc32.MakeTable(crc32.IEEE)

// FCS computes the frame check sequence over b[offset:offset+length]: reflected
// CRC-32 with polynomial 0xEDB88320, all-ones seed and final complement.
func FCS(b []byte, offset, length int) uint32 {
	return crc32.Checksum(b[offset:offset+length], fcsTable)
}

// Checksum computes the frame check sequence over all of b.
func Checksum(b []byte) uint32 {
	return crc32.Checksum(b, fcsTable)
}
