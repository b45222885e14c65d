package ubi

import (
	"encoding/binary"
)

// ECHeader is the erase-counter header present at offset 0 of every PEB.
type ECHeader struct {
	EC           uint64
	VIDHdrOffset uint32
	DataOffset   uint32
	ImageSeq     uint32
}

// VIDHeader is the volume-id header identifying which volume and which
// logical eraseblock a PEB holds.
type VIDHeader struct {
	VolType  VolumeType
	CopyFlag byte
	Compat   byte
	VolID    uint32
	LNum     uint32
	LEBVer   uint32
	DataSize uint32
	UsedEBs  uint32
	DataPad  uint32
	DataCRC  uint32
	Sqnum    uint64
}

// NewECHeader builds the erase-counter header for one PEB of this
// geometry.
func (g *Geometry) NewECHeader(ec uint64, imageSeq uint32) *ECHeader {
	return &ECHeader{
		EC:           ec,
		VIDHdrOffset: uint32(g.VIDHdrOffset),
		DataOffset:   uint32(g.DataOffset),
		ImageSeq:     imageSeq,
	}
}

// ToBytes serializes the EC header into its 64-byte on-flash form.
func (h *ECHeader) ToBytes() []byte {
	b := make([]byte, ECHdrSize)
	binary.LittleEndian.PutUint32(b[0:4], ECHdrMagic)
	b[4] = UBIVersion
	// b[5:8] padding
	binary.LittleEndian.PutUint64(b[8:16], h.EC)
	binary.LittleEndian.PutUint32(b[16:20], h.VIDHdrOffset)
	binary.LittleEndian.PutUint32(b[20:24], h.DataOffset)
	binary.LittleEndian.PutUint32(b[24:28], h.ImageSeq)
	// b[28:60] padding
	binary.LittleEndian.PutUint32(b[60:64], ubiCRC32(b[:ecHdrSizeCRC]))
	return b
}

// ParseECHeader parses and validates a 64-byte EC header. Errors are
// classified *CorruptHeaderError values with PEB unset (-1); the scanner
// fills in the location.
func ParseECHeader(b []byte) (*ECHeader, error) {
	if len(b) < ECHdrSize {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	if binary.LittleEndian.Uint32(b[0:4]) != ECHdrMagic {
		return nil, &CorruptHeaderError{Kind: MagicMismatch, PEB: -1}
	}
	if b[4] != UBIVersion {
		return nil, &CorruptHeaderError{Kind: VersionMismatch, PEB: -1}
	}
	if binary.LittleEndian.Uint32(b[60:64]) != ubiCRC32(b[:ecHdrSizeCRC]) {
		return nil, &CorruptHeaderError{Kind: CrcMismatch, PEB: -1}
	}
	return &ECHeader{
		EC:           binary.LittleEndian.Uint64(b[8:16]),
		VIDHdrOffset: binary.LittleEndian.Uint32(b[16:20]),
		DataOffset:   binary.LittleEndian.Uint32(b[20:24]),
		ImageSeq:     binary.LittleEndian.Uint32(b[24:28]),
	}, nil
}

// NewVIDHeader builds the VID header for LEB lnum of the volume. Static
// volumes carry the chunk data size, its CRC and the total used
// eraseblock count; dynamic volumes leave all three zero.
func (vi *VolumeInfo) NewVIDHeader(g *Geometry, lnum int, lebVer uint32, sqnum uint64, dataSize int, dataCRC uint32, usedEBs int) *VIDHeader {
	h := &VIDHeader{
		VolType: vi.Type,
		Compat:  vi.Compat,
		VolID:   vi.ID,
		LNum:    uint32(lnum),
		LEBVer:  lebVer,
		DataPad: uint32(vi.DataPad(g)),
		Sqnum:   sqnum,
	}
	if vi.Type == VolumeStatic {
		h.DataSize = uint32(dataSize)
		h.DataCRC = dataCRC
		h.UsedEBs = uint32(usedEBs)
	}
	return h
}

// ToBytes serializes the VID header into its 64-byte on-flash form.
func (h *VIDHeader) ToBytes() []byte {
	b := make([]byte, VIDHdrSize)
	binary.LittleEndian.PutUint32(b[0:4], VIDHdrMagic)
	b[4] = UBIVersion
	b[5] = byte(h.VolType)
	b[6] = h.CopyFlag
	b[7] = h.Compat
	binary.LittleEndian.PutUint32(b[8:12], h.VolID)
	binary.LittleEndian.PutUint32(b[12:16], h.LNum)
	binary.LittleEndian.PutUint32(b[16:20], h.LEBVer)
	binary.LittleEndian.PutUint32(b[20:24], h.DataSize)
	binary.LittleEndian.PutUint32(b[24:28], h.UsedEBs)
	binary.LittleEndian.PutUint32(b[28:32], h.DataPad)
	binary.LittleEndian.PutUint32(b[32:36], h.DataCRC)
	// b[36:40] padding
	binary.LittleEndian.PutUint64(b[40:48], h.Sqnum)
	// b[48:60] padding
	binary.LittleEndian.PutUint32(b[60:64], ubiCRC32(b[:vidHdrSizeCRC]))
	return b
}

// ParseVIDHeader parses and validates a 64-byte VID header.
func ParseVIDHeader(b []byte) (*VIDHeader, error) {
	if len(b) < VIDHdrSize {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	if binary.LittleEndian.Uint32(b[0:4]) != VIDHdrMagic {
		return nil, &CorruptHeaderError{Kind: MagicMismatch, PEB: -1}
	}
	if b[4] != UBIVersion {
		return nil, &CorruptHeaderError{Kind: VersionMismatch, PEB: -1}
	}
	if binary.LittleEndian.Uint32(b[60:64]) != ubiCRC32(b[:vidHdrSizeCRC]) {
		return nil, &CorruptHeaderError{Kind: CrcMismatch, PEB: -1}
	}
	h := &VIDHeader{
		VolType:  VolumeType(b[5]),
		CopyFlag: b[6],
		Compat:   b[7],
		VolID:    binary.LittleEndian.Uint32(b[8:12]),
		LNum:     binary.LittleEndian.Uint32(b[12:16]),
		LEBVer:   binary.LittleEndian.Uint32(b[16:20]),
		DataSize: binary.LittleEndian.Uint32(b[20:24]),
		UsedEBs:  binary.LittleEndian.Uint32(b[24:28]),
		DataPad:  binary.LittleEndian.Uint32(b[28:32]),
		DataCRC:  binary.LittleEndian.Uint32(b[32:36]),
		Sqnum:    binary.LittleEndian.Uint64(b[40:48]),
	}
	if h.VolType != VolumeDynamic && h.VolType != VolumeStatic {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	return h, nil
}

// isBlank reports whether b is erased flash (all 0xFF).
func isBlank(b []byte) bool {
	for _, c := range b {
		if c != 0xFF {
			return false
		}
	}
	return true
}
