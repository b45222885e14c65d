package ubi

import (
	"fmt"
	"io"
)

// WriteVolume streams one volume's payload into a contiguous run of PEBs
// starting at startPEB, emitting an EC and a VID header per PEB. The sink
// is addressed by byte offset and is not required to hold trailing 0xFF
// padding. Static volumes must declare their exact size in vi.DataBytes;
// dynamic payloads are bounded by the reserved LEBs. Returns the number
// of PEBs written.
func (g *Geometry) WriteVolume(w io.WriterAt, startPEB int, vi *VolumeInfo, payload io.Reader, ec uint64, imageSeq uint32, seq *Sequence) (int, error) {
	if err := vi.validate(g); err != nil {
		return 0, err
	}
	usable := vi.UsableLEBSize(g)

	usedEBs := 0
	if vi.Type == VolumeStatic {
		usedEBs = int((vi.DataBytes + int64(usable) - 1) / int64(usable))
	}

	buf := make([]byte, usable)
	lnum := 0
	var total int64
	for {
		n, err := io.ReadFull(payload, buf)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			return lnum, &IOError{Op: fmt.Sprintf("reading volume %d payload", vi.ID), Err: err}
		}
		chunk := buf[:n]
		total += int64(n)

		if vi.Type == VolumeStatic && total > vi.DataBytes {
			return lnum, &UsageError{Msg: fmt.Sprintf("volume %d: payload exceeds declared %d bytes", vi.ID, vi.DataBytes)}
		}
		if vi.Type == VolumeDynamic && lnum >= vi.RsvdLEBs {
			return lnum, &UsageError{Msg: fmt.Sprintf("volume %d: payload exceeds %d reserved eraseblocks", vi.ID, vi.RsvdLEBs)}
		}

		var dataCRC uint32
		if vi.Type == VolumeStatic {
			dataCRC = ubiCRC32(chunk)
		}
		vid := vi.NewVIDHeader(g, lnum, 0, seq.Next(), len(chunk), dataCRC, usedEBs)
		if err := g.writePEB(w, startPEB+lnum, ec, imageSeq, vid, chunk); err != nil {
			return lnum, err
		}
		lnum++

		if err == io.ErrUnexpectedEOF {
			break
		}
	}

	if vi.Type == VolumeStatic && total != vi.DataBytes {
		return lnum, &UsageError{Msg: fmt.Sprintf("volume %d: got %d payload bytes, declared %d", vi.ID, total, vi.DataBytes)}
	}
	return lnum, nil
}

// writeLayoutVolume writes the two layout PEBs, each holding a full copy
// of the serialized volume table.
func (g *Geometry) writeLayoutVolume(w io.WriterAt, peb1, peb2 int, ec1, ec2 uint64, imageSeq uint32, vtbl []byte, lebVer uint32, seq *Sequence) error {
	layout := &VolumeInfo{
		ID:        LayoutVolumeID,
		Type:      VolumeDynamic,
		Alignment: 1,
		Compat:    layoutVolumeCompat,
	}
	pebs := [LayoutVolumeEBs]int{peb1, peb2}
	ecs := [LayoutVolumeEBs]uint64{ec1, ec2}
	for lnum := 0; lnum < LayoutVolumeEBs; lnum++ {
		vid := &VIDHeader{
			VolType: layout.Type,
			Compat:  layout.Compat,
			VolID:   layout.ID,
			LNum:    uint32(lnum),
			LEBVer:  lebVer,
			Sqnum:   seq.Next(),
		}
		if err := g.writePEB(w, pebs[lnum], ecs[lnum], imageSeq, vid, vtbl); err != nil {
			return err
		}
	}
	return nil
}

// writeBlankPEB writes an EC-header-only PEB covering reserved but
// unwritten flash.
func (g *Geometry) writeBlankPEB(w io.WriterAt, peb int, ec uint64, imageSeq uint32) error {
	return g.writePEB(w, peb, ec, imageSeq, nil, nil)
}

// writePEB emits one whole PEB: EC header at 0, VID header at the VID
// header offset (when mapped), payload at the data offset, and erased
// 0xFF flash everywhere else, so that file sinks read back the way real
// flash does.
func (g *Geometry) writePEB(w io.WriterAt, peb int, ec uint64, imageSeq uint32, vid *VIDHeader, data []byte) error {
	if len(data) > g.LEBSize {
		return &UsageError{Msg: fmt.Sprintf("PEB %d: %d payload bytes exceed LEB size %d", peb, len(data), g.LEBSize)}
	}
	buf := make([]byte, g.PEBSize)
	for i := range buf {
		buf[i] = 0xFF
	}
	hdr := g.NewECHeader(ec, imageSeq)
	copy(buf, hdr.ToBytes())
	if vid != nil {
		copy(buf[g.VIDHdrOffset:], vid.ToBytes())
		copy(buf[g.DataOffset:], data)
	}
	if _, err := w.WriteAt(buf, int64(peb)*int64(g.PEBSize)); err != nil {
		return &IOError{Op: fmt.Sprintf("writing PEB %d", peb), Err: err}
	}
	return nil
}
