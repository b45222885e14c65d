package ubi

import "testing"

func TestCRC32RawAccumulator(t *testing.T) {
	// reflected 0xEDB88320, init 0xFFFFFFFF, no final inversion
	got := ubiCRC32([]byte("123456789"))
	if got != 0x340BC6D9 {
		t.Fatalf("crc of check string: got %#x, want 0x340bc6d9", got)
	}
}

func TestCRC32Incremental(t *testing.T) {
	data := []byte("erase counter header")
	whole := ubiCRC32(data)
	split := crc32Update(crc32Update(crc32Init, data[:7]), data[7:])
	if whole != split {
		t.Fatalf("incremental crc %#x != whole crc %#x", split, whole)
	}
}
