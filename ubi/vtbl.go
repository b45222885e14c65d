package ubi

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// VtblRecord is one volume-table slot.
type VtblRecord struct {
	ReservedPEBs uint32
	Alignment    uint32
	DataPad      uint32
	VolType      VolumeType
	UpdMarker    byte
	Name         string
	Flags        byte
}

func (r *VtblRecord) toBytes() []byte {
	b := make([]byte, VtblRecordSize)
	binary.LittleEndian.PutUint32(b[0:4], r.ReservedPEBs)
	binary.LittleEndian.PutUint32(b[4:8], r.Alignment)
	binary.LittleEndian.PutUint32(b[8:12], r.DataPad)
	b[12] = byte(r.VolType)
	b[13] = r.UpdMarker
	binary.LittleEndian.PutUint16(b[14:16], uint16(len(r.Name)))
	copy(b[16:144], r.Name)
	b[144] = r.Flags
	// b[145:168] reserved
	binary.LittleEndian.PutUint32(b[168:172], ubiCRC32(b[:vtblRecordSizeCRC]))
	return b
}

// parseVtblRecord parses one 172-byte slot. An all-zero record (body and
// CRC) denotes an unused slot and returns (nil, nil).
func parseVtblRecord(b []byte) (*VtblRecord, error) {
	if len(b) < VtblRecordSize {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	if isZero(b[:VtblRecordSize]) {
		return nil, nil
	}
	if binary.LittleEndian.Uint32(b[168:172]) != ubiCRC32(b[:vtblRecordSizeCRC]) {
		return nil, &CorruptHeaderError{Kind: CrcMismatch, PEB: -1}
	}
	nameLen := binary.LittleEndian.Uint16(b[14:16])
	if nameLen > VolNameMax {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	volType := VolumeType(b[12])
	if volType != VolumeDynamic && volType != VolumeStatic {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	return &VtblRecord{
		ReservedPEBs: binary.LittleEndian.Uint32(b[0:4]),
		Alignment:    binary.LittleEndian.Uint32(b[4:8]),
		DataPad:      binary.LittleEndian.Uint32(b[8:12]),
		VolType:      volType,
		UpdMarker:    b[13],
		Name:         string(b[16 : 16+nameLen]),
		Flags:        b[144],
	}, nil
}

// BuildVtbl serializes the volume table for the declared volumes into one
// LEB-sized buffer: a CRC-stamped record per volume, zero-filled unused
// slots. At most one volume may carry the auto-resize flag.
func (g *Geometry) BuildVtbl(vols []*VolumeInfo) ([]byte, error) {
	tbl := make([]byte, g.LEBSize)
	autoresize := false
	seen := make(map[uint32]bool)
	for _, vi := range vols {
		if err := vi.validate(g); err != nil {
			return nil, err
		}
		if seen[vi.ID] {
			return nil, &UsageError{Msg: fmt.Sprintf("duplicate volume id %d", vi.ID)}
		}
		seen[vi.ID] = true
		if vi.Flags&AutoresizeFlag != 0 {
			if autoresize {
				return nil, &UsageError{Msg: "more than one auto-resize volume"}
			}
			autoresize = true
		}
		rec := VtblRecord{
			ReservedPEBs: uint32(vi.RsvdLEBs),
			Alignment:    uint32(vi.Alignment),
			DataPad:      uint32(vi.DataPad(g)),
			VolType:      vi.Type,
			Name:         vi.Name,
			Flags:        vi.Flags,
		}
		copy(tbl[int(vi.ID)*VtblRecordSize:], rec.toBytes())
	}
	return tbl, nil
}

// parseVtbl parses a layout-volume LEB into per-slot records. Slot index
// is the volume id; unused slots are nil.
func (g *Geometry) parseVtbl(b []byte) ([]*VtblRecord, error) {
	if len(b) < g.VtblSize() {
		return nil, &CorruptHeaderError{Kind: FieldRange, PEB: -1}
	}
	recs := make([]*VtblRecord, g.VtblSlots)
	for i := 0; i < g.VtblSlots; i++ {
		rec, err := parseVtblRecord(b[i*VtblRecordSize : (i+1)*VtblRecordSize])
		if err != nil {
			return nil, err
		}
		recs[i] = rec
	}
	return recs, nil
}

// volumeInfoFromRecord converts a recovered table record back into the
// volume description the drivers work with.
func volumeInfoFromRecord(id uint32, rec *VtblRecord) *VolumeInfo {
	return &VolumeInfo{
		ID:        id,
		Type:      rec.VolType,
		Alignment: int(rec.Alignment),
		Name:      rec.Name,
		RsvdLEBs:  int(rec.ReservedPEBs),
		Flags:     rec.Flags,
	}
}

func isZero(b []byte) bool {
	return bytes.Count(b, []byte{0}) == len(b)
}
