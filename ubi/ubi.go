package ubi

import "fmt"

// VolumeType discriminates dynamic and static volumes.
type VolumeType byte

const (
	// VolumeDynamic volumes are mutable and carry no payload CRC.
	VolumeDynamic VolumeType = 1
	// VolumeStatic volumes are fixed-length and payload-CRC-protected.
	VolumeStatic VolumeType = 2
)

const (
	// ECHdrMagic is the erase-counter header magic ("UBI#")
	ECHdrMagic uint32 = 0x55424923
	// VIDHdrMagic is the volume-id header magic ("UBI!")
	VIDHdrMagic uint32 = 0x55424921
	// UBIVersion is the UBI on-flash format version implemented here
	UBIVersion = 1

	// ECHdrSize is the size of an erase-counter header
	ECHdrSize = 64
	// VIDHdrSize is the size of a volume-id header
	VIDHdrSize = 64
	// the header CRC covers the first 60 bytes of either header
	ecHdrSizeCRC  = 60
	vidHdrSizeCRC = 60

	// VtblRecordSize is the size of one volume-table record
	VtblRecordSize = 172
	// the record CRC covers the first 168 bytes
	vtblRecordSizeCRC = 168

	// MaxVolumes is the maximum number of volume-table slots
	MaxVolumes = 128
	// VolNameMax is the maximum volume name length
	VolNameMax = 127

	// LayoutVolumeID is the reserved id of the layout volume
	LayoutVolumeID uint32 = 0x7FFFEFFF
	// LayoutVolumeEBs is the number of PEBs the layout volume occupies
	LayoutVolumeEBs = 2
	// layoutVolumeCompat is the compatibility mode stamped on layout
	// volume VID headers (UBI_COMPAT_REJECT)
	layoutVolumeCompat byte = 5

	// AutoresizeFlag marks the at-most-one volume that may absorb
	// leftover eraseblocks at attach time
	AutoresizeFlag byte = 0x01
)

// VolumeInfo describes one volume, either declared for image creation or
// recovered from a volume table during scan.
type VolumeInfo struct {
	// DevNum is the UBI device number the volume belongs to.
	DevNum int
	// ID is the volume id, which is also the volume-table slot.
	ID uint32
	// Type is dynamic or static.
	Type VolumeType
	// Alignment of LEB payloads; 1 means none.
	Alignment int
	// Name of the volume, at most VolNameMax bytes.
	Name string
	// RsvdLEBs is the number of logical eraseblocks reserved.
	RsvdLEBs int
	// DataBytes is the volume content size; meaningful for static
	// volumes only.
	DataBytes int64
	// Compat is the compatibility mode byte, normally 0.
	Compat byte
	// Flags holds the volume-table flags (AutoresizeFlag).
	Flags byte
	// Corrupted is set by the scanner when the volume could not be
	// fully reconstructed.
	Corrupted bool
}

// DataPad returns how many bytes stay unused at the end of each LEB of
// this volume to satisfy its alignment.
func (vi *VolumeInfo) DataPad(g *Geometry) int {
	if vi.Alignment <= 1 {
		return 0
	}
	return g.LEBSize % vi.Alignment
}

// UsableLEBSize returns the LEB size accessible to users of this volume.
func (vi *VolumeInfo) UsableLEBSize(g *Geometry) int {
	return g.LEBSize - vi.DataPad(g)
}

func (vi *VolumeInfo) validate(g *Geometry) error {
	if vi.ID >= uint32(g.MaxVolumes) {
		return &UsageError{Msg: fmt.Sprintf("volume id %d out of range, at most %d volumes", vi.ID, g.MaxVolumes)}
	}
	if vi.Type != VolumeDynamic && vi.Type != VolumeStatic {
		return &UsageError{Msg: fmt.Sprintf("volume %d: bad volume type %d", vi.ID, vi.Type)}
	}
	if len(vi.Name) == 0 || len(vi.Name) > VolNameMax {
		return &UsageError{Msg: fmt.Sprintf("volume %d: bad name length %d", vi.ID, len(vi.Name))}
	}
	if vi.Alignment < 1 || vi.Alignment > g.LEBSize {
		return &UsageError{Msg: fmt.Sprintf("volume %d: bad alignment %d", vi.ID, vi.Alignment)}
	}
	if vi.Type == VolumeStatic && vi.DataBytes < 0 {
		return &UsageError{Msg: fmt.Sprintf("volume %d: bad static volume size %d", vi.ID, vi.DataBytes)}
	}
	return nil
}

// Sequence is the image-wide monotonic sequence counter stamped on every
// header emitted during one image-creation run.
type Sequence struct {
	n uint64
}

// NewSequence returns a counter whose first value is start.
func NewSequence(start uint64) *Sequence {
	return &Sequence{n: start}
}

// Next returns the current value and advances the counter.
func (s *Sequence) Next() uint64 {
	n := s.n
	s.n++
	return n
}
