package ubi

import (
	"fmt"
	"io"
)

// ImageVolume pairs a volume declaration with its payload producer. The
// payload must be finite: exactly DataBytes for a static volume, at most
// the reserved eraseblocks for a dynamic one. A nil payload writes an
// empty volume.
type ImageVolume struct {
	VolumeInfo
	Payload io.Reader
}

// ImageSpec describes a whole image to create.
type ImageSpec struct {
	PEBSize      int
	MinIOSize    int
	VIDHdrOffset int
	UBIVer       int
	ImageSeq     uint32
	// EC is the uniform erase counter stamped on every PEB.
	EC uint64
	// TotalPEBs sets the image size; 0 means exactly the PEBs needed.
	TotalPEBs int
	Volumes   []ImageVolume
}

// CreateImage builds a complete UBI image: the two layout PEBs, every
// declared volume in order, and EC-header-only blanks over the remaining
// reserved PEBs. Returns the derived geometry.
func CreateImage(w io.WriterAt, spec ImageSpec, rep Reporter) (*Geometry, error) {
	g, err := NewGeometry(spec.PEBSize, spec.MinIOSize, spec.VIDHdrOffset, spec.UBIVer)
	if err != nil {
		return nil, err
	}

	vols := make([]*VolumeInfo, len(spec.Volumes))
	for i := range spec.Volumes {
		vi := &spec.Volumes[i].VolumeInfo
		usable := vi.UsableLEBSize(g)
		if usable <= 0 {
			return nil, &UsageError{Msg: fmt.Sprintf("volume %d: alignment %d leaves no usable bytes", vi.ID, vi.Alignment)}
		}
		if vi.Type == VolumeStatic {
			need := int((vi.DataBytes + int64(usable) - 1) / int64(usable))
			if vi.RsvdLEBs < need {
				vi.RsvdLEBs = need
			}
		}
		if vi.RsvdLEBs <= 0 {
			return nil, &UsageError{Msg: fmt.Sprintf("volume %d: no eraseblocks reserved", vi.ID)}
		}
		vols[i] = vi
	}

	vtbl, err := g.BuildVtbl(vols)
	if err != nil {
		return nil, err
	}

	seq := NewSequence(0)
	if err := g.writeLayoutVolume(w, 0, 1, spec.EC, spec.EC, spec.ImageSeq, vtbl, 0, seq); err != nil {
		return nil, err
	}

	peb := LayoutVolumeEBs
	for i := range spec.Volumes {
		iv := &spec.Volumes[i]
		payload := iv.Payload
		if payload == nil {
			payload = emptyReader{}
		}
		written, err := g.WriteVolume(w, peb, &iv.VolumeInfo, payload, spec.EC, spec.ImageSeq, seq)
		if err != nil {
			return nil, err
		}
		report(rep, SevInfo, "volume %d (%q): %d of %d reserved PEBs written at PEB %d",
			iv.ID, iv.Name, written, iv.RsvdLEBs, peb)
		// reserved but unwritten PEBs of this volume stay blank
		for j := written; j < iv.RsvdLEBs; j++ {
			if err := g.writeBlankPEB(w, peb+j, spec.EC, spec.ImageSeq); err != nil {
				return nil, err
			}
		}
		peb += iv.RsvdLEBs
	}

	if spec.TotalPEBs > 0 {
		if spec.TotalPEBs < peb {
			return nil, &UsageError{Msg: fmt.Sprintf("image needs %d PEBs, only %d requested", peb, spec.TotalPEBs)}
		}
		for ; peb < spec.TotalPEBs; peb++ {
			if err := g.writeBlankPEB(w, peb, spec.EC, spec.ImageSeq); err != nil {
				return nil, err
			}
		}
	}
	return g, nil
}

// PEBsNeeded returns how many PEBs an image for the given volumes takes
// at minimum.
func PEBsNeeded(g *Geometry, vols []*VolumeInfo) int {
	n := LayoutVolumeEBs
	for _, vi := range vols {
		n += vi.RsvdLEBs
	}
	return n
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) {
	return 0, io.EOF
}
