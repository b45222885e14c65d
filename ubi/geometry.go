package ubi

import "fmt"

// Geometry describes the layout every PEB of an image follows. It is
// derived once from the flash parameters and immutable afterwards.
type Geometry struct {
	// PEBSize is the physical eraseblock size.
	PEBSize int
	// MinIOSize is the minimum input/output unit size.
	MinIOSize int
	// LEBSize is the usable bytes per eraseblock.
	LEBSize int
	// VIDHdrOffset is the offset of the VID header within a PEB.
	VIDHdrOffset int
	// DataOffset is the offset of LEB data within a PEB.
	DataOffset int
	// UBIVersion of the on-flash format.
	UBIVersion int
	// VtblSlots is the number of volume-table slots.
	VtblSlots int
	// MaxVolumes equals VtblSlots.
	MaxVolumes int
}

func align(n, a int) int {
	return (n + a - 1) / a * a
}

// NewGeometry derives the image geometry from the physical eraseblock
// size, the minimum I/O unit size, an optional VID header offset override
// (0 selects the default) and the UBI version. ubiVer 0 selects the
// current version.
func NewGeometry(pebSize, minIOSize, vidHdrOffs, ubiVer int) (*Geometry, error) {
	if minIOSize < 1 {
		return nil, &UsageError{Msg: fmt.Sprintf("bad min. I/O unit size %d", minIOSize)}
	}
	if pebSize <= 0 || pebSize&(pebSize-1) != 0 {
		return nil, &UsageError{Msg: fmt.Sprintf("PEB size %d is not a power of two", pebSize)}
	}
	if pebSize%minIOSize != 0 {
		return nil, &UsageError{Msg: fmt.Sprintf("min. I/O unit size %d does not divide PEB size %d", minIOSize, pebSize)}
	}
	if pebSize < 2*minIOSize {
		return nil, &UsageError{Msg: fmt.Sprintf("PEB size %d too small for min. I/O unit size %d", pebSize, minIOSize)}
	}
	if ubiVer == 0 {
		ubiVer = UBIVersion
	}
	if ubiVer != UBIVersion {
		return nil, &UsageError{Msg: fmt.Sprintf("unsupported UBI version %d", ubiVer)}
	}

	if vidHdrOffs == 0 {
		// next min-I/O boundary after the EC header
		vidHdrOffs = align(ECHdrSize, minIOSize)
	} else {
		if vidHdrOffs < ECHdrSize {
			return nil, &UsageError{Msg: fmt.Sprintf("VID header offset %d overlaps the EC header", vidHdrOffs)}
		}
		if vidHdrOffs > pebSize-minIOSize {
			return nil, &UsageError{Msg: fmt.Sprintf("VID header offset %d too large for PEB size %d", vidHdrOffs, pebSize)}
		}
	}

	// the next min-I/O boundary after the VID header; for large-page
	// devices that is vid_hdr_offs + min_io_size
	hdrRoom := minIOSize
	if hdrRoom < VIDHdrSize {
		hdrRoom = VIDHdrSize
	}
	dataOffs := align(vidHdrOffs+hdrRoom, minIOSize)
	lebSize := pebSize - dataOffs
	if lebSize <= 0 {
		return nil, &UsageError{Msg: fmt.Sprintf("no usable bytes left in a %d-byte PEB with data offset %d", pebSize, dataOffs)}
	}

	slots := lebSize / VtblRecordSize
	if slots > MaxVolumes {
		slots = MaxVolumes
	}

	return &Geometry{
		PEBSize:      pebSize,
		MinIOSize:    minIOSize,
		LEBSize:      lebSize,
		VIDHdrOffset: vidHdrOffs,
		DataOffset:   dataOffs,
		UBIVersion:   ubiVer,
		VtblSlots:    slots,
		MaxVolumes:   slots,
	}, nil
}

// VtblSize returns the byte size of a serialized volume table.
func (g *Geometry) VtblSize() int {
	return g.VtblSlots * VtblRecordSize
}
