package ubi

import "hash/crc32"

// UBI header CRCs use the bit-reflected 0xEDB88320 polynomial with an
// initial value of 0xFFFFFFFF and no final inversion: the stored value is
// the raw accumulator.
const crc32Init uint32 = 0xFFFFFFFF

var crc32Tab = crc32.MakeTable(crc32.IEEE)

func crc32Update(crc uint32, p []byte) uint32 {
	return ^crc32.Update(^crc, crc32Tab, p)
}

func ubiCRC32(p []byte) uint32 {
	return crc32Update(crc32Init, p)
}
