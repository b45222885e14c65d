package ubi

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

// memFile is an in-memory flash image: unwritten regions read as erased
// 0xFF flash.
type memFile struct {
	b []byte
}

func newMemFile(size int) *memFile {
	b := make([]byte, size)
	for i := range b {
		b[i] = 0xFF
	}
	return &memFile{b: b}
}

func (m *memFile) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.b)) {
		return 0, io.EOF
	}
	n := copy(p, m.b[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	if need := off + int64(len(p)); need > int64(len(m.b)) {
		grown := make([]byte, need)
		for i := copy(grown, m.b); i < len(grown); i++ {
			grown[i] = 0xFF
		}
		m.b = grown
	}
	return copy(m.b[off:], p), nil
}

func (m *memFile) size() int64 {
	return int64(len(m.b))
}

func testImageSpec() ImageSpec {
	return ImageSpec{
		PEBSize:      131072,
		MinIOSize:    2048,
		VIDHdrOffset: 2048,
	}
}

func stripedPayload() []byte {
	payload := bytes.Repeat([]byte{0xA5}, 1024)
	payload = append(payload, bytes.Repeat([]byte{0x00}, 125952)...)
	payload = append(payload, bytes.Repeat([]byte{0x5A}, 126976)...)
	return payload
}

func createTestImage(t *testing.T, spec ImageSpec) (*memFile, *Geometry) {
	t.Helper()
	f := newMemFile(0)
	g, err := CreateImage(f, spec, nil)
	if err != nil {
		t.Fatalf("CreateImage: %v", err)
	}
	return f, g
}

func scanTestImage(t *testing.T, f *memFile, g *Geometry) *ScanResult {
	t.Helper()
	res, err := Scan(f, f.size(), g, nil)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	return res
}

// dynamic volume spanning two LEBs of a four-LEB reservation
func TestCreateExtractDynamic(t *testing.T) {
	spec := testImageSpec()
	payload := stripedPayload()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4},
		Payload:    bytes.NewReader(payload),
	}}

	f, g := createTestImage(t, spec)
	if g.LEBSize != 126976 || g.DataOffset != 4096 {
		t.Fatalf("unexpected geometry: %+v", g)
	}
	res := scanTestImage(t, f, g)

	out, err := res.ExtractVolume(0)
	if err != nil {
		t.Fatalf("ExtractVolume: %v", err)
	}
	if len(out) != 4*126976 {
		t.Fatalf("dynamic volume is %d bytes, want %d", len(out), 4*126976)
	}
	if !bytes.Equal(out[:len(payload)], payload) {
		t.Fatal("extracted payload differs")
	}
	for i := len(payload); i < len(out); i++ {
		if out[i] != 0xFF {
			t.Fatalf("unwritten LEB byte %d is %#x, want 0xFF", i, out[i])
		}
	}

	// the two reserved but unwritten PEBs carry an EC header and an
	// erased VID area
	for _, peb := range []uint{4, 5} {
		if !res.Free.Test(peb) {
			t.Errorf("PEB %d not classified free", peb)
		}
	}
}

// static volume with a short last LEB, then payload corruption
func TestStaticShortLastLEB(t *testing.T) {
	payload := make([]byte, 200000)
	for i := range payload {
		payload[i] = byte(i * 7)
	}
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 1, Type: VolumeStatic, Alignment: 1, Name: "boot", DataBytes: 200000},
		Payload:    bytes.NewReader(payload),
	}}

	f, g := createTestImage(t, spec)
	res := scanTestImage(t, f, g)

	e0 := res.Active(1, 0)
	e1 := res.Active(1, 1)
	if e0 == nil || e1 == nil {
		t.Fatal("static LEBs not mapped")
	}
	if e0.VID.DataSize != 126976 || e1.VID.DataSize != 73024 {
		t.Fatalf("data sizes %d, %d", e0.VID.DataSize, e1.VID.DataSize)
	}
	if e0.VID.UsedEBs != 2 || e1.VID.UsedEBs != 2 {
		t.Fatalf("used_ebs %d, %d, want 2 on every LEB", e0.VID.UsedEBs, e1.VID.UsedEBs)
	}

	out, err := res.ExtractVolume(1)
	if err != nil {
		t.Fatalf("ExtractVolume: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatalf("extracted %d bytes, differ from payload", len(out))
	}

	// corrupt the final payload byte of LEB 1 (PEB 3)
	off := int64(3)*int64(g.PEBSize) + int64(g.DataOffset) + 73024 - 1
	f.b[off] ^= 0xFF
	res = scanTestImage(t, f, g)
	_, err = res.ExtractVolume(1)
	var bsv *BrokenStaticVolumeError
	if !errors.As(err, &bsv) {
		t.Fatalf("got %v, want BrokenStaticVolumeError", err)
	}
	if bsv.VolID != 1 || bsv.BadCRCLNum != 1 {
		t.Fatalf("broken volume report %+v", bsv)
	}
}

// a rewritten LEB with a higher version shadows the old placement
func TestHigherVersionOverride(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4},
	}}
	f, g := createTestImage(t, spec)

	vi := &VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4}
	p1 := bytes.Repeat([]byte{0x11}, g.LEBSize)
	p2 := bytes.Repeat([]byte{0x22}, g.LEBSize)

	seq := NewSequence(100)
	if err := g.writePEB(f, 2, 0, 0, vi.NewVIDHeader(g, 0, 0, seq.Next(), 0, 0, 0), p1); err != nil {
		t.Fatalf("writePEB: %v", err)
	}
	if err := g.writePEB(f, 5, 0, 0, vi.NewVIDHeader(g, 0, 1, seq.Next(), 0, 0, 0), p2); err != nil {
		t.Fatalf("writePEB: %v", err)
	}

	res := scanTestImage(t, f, g)
	active := res.Active(0, 0)
	if active == nil || active.PEB != 5 {
		t.Fatalf("active placement %+v, want PEB 5", active)
	}
	out, err := res.ExtractVolume(0)
	if err != nil {
		t.Fatalf("ExtractVolume: %v", err)
	}
	if !bytes.Equal(out[:g.LEBSize], p2) {
		t.Fatal("LEB 0 not taken from the newer placement")
	}
	hist := res.History(0, 0)
	if len(hist) != 1 || hist[0].PEB != 2 {
		t.Fatalf("history %+v, want the PEB 2 placement", hist)
	}
}

// equal versions: the later file offset wins, the loser stays in history
func TestEqualVersionTieBreak(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4},
	}}
	f, g := createTestImage(t, spec)

	vi := &VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4}
	seq := NewSequence(100)
	if err := g.writePEB(f, 2, 0, 0, vi.NewVIDHeader(g, 0, 3, seq.Next(), 0, 0, 0), []byte{0x11}); err != nil {
		t.Fatalf("writePEB: %v", err)
	}
	if err := g.writePEB(f, 4, 0, 0, vi.NewVIDHeader(g, 0, 3, seq.Next(), 0, 0, 0), []byte{0x22}); err != nil {
		t.Fatalf("writePEB: %v", err)
	}

	var warned bool
	rep := func(sev Severity, msg string) {
		if sev == SevWarning {
			warned = true
		}
	}
	res, err := Scan(f, f.size(), g, rep)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if active := res.Active(0, 0); active == nil || active.PEB != 4 {
		t.Fatalf("active %+v, want PEB 4", active)
	}
	if hist := res.History(0, 0); len(hist) != 1 || hist[0].PEB != 2 {
		t.Fatalf("history %+v, want PEB 2", hist)
	}
	if !warned {
		t.Fatal("no corruption warning for duplicate LEB versions")
	}
}

// a bit flip in an EC header makes the PEB corrupt, not the scan
func TestCorruptECHeader(t *testing.T) {
	spec := testImageSpec()
	payload := stripedPayload()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4},
		Payload:    bytes.NewReader(payload),
	}}
	f, g := createTestImage(t, spec)

	// PEB 3 holds LEB 1
	f.b[int64(3)*int64(g.PEBSize)+9] ^= 0x01

	res := scanTestImage(t, f, g)
	if !res.Corrupt.Test(3) {
		t.Fatal("PEB 3 not classified corrupt")
	}
	found := false
	for _, finding := range res.Findings {
		var che *CorruptHeaderError
		if errors.As(finding, &che) && che.PEB == 3 && che.Kind == CrcMismatch {
			found = true
		}
	}
	if !found {
		t.Fatalf("no CrcMismatch finding for PEB 3 in %v", res.Findings)
	}

	out, err := res.ExtractVolume(0)
	if err != nil {
		t.Fatalf("ExtractVolume: %v", err)
	}
	if !bytes.Equal(out[:g.LEBSize], payload[:g.LEBSize]) {
		t.Fatal("LEB 0 damaged")
	}
	for i := g.LEBSize; i < 2*g.LEBSize; i++ {
		if out[i] != 0xFF {
			t.Fatalf("missing LEB byte %d is %#x, want 0xFF fill", i, out[i])
		}
	}
}

// same bit flip, static flavor: the volume containing the PEB breaks
func TestCorruptECHeaderStatic(t *testing.T) {
	payload := make([]byte, 200000)
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 1, Type: VolumeStatic, Alignment: 1, Name: "boot", DataBytes: 200000},
		Payload:    bytes.NewReader(payload),
	}}
	f, g := createTestImage(t, spec)
	f.b[int64(3)*int64(g.PEBSize)+9] ^= 0x01

	res := scanTestImage(t, f, g)
	_, err := res.ExtractVolume(1)
	var bsv *BrokenStaticVolumeError
	if !errors.As(err, &bsv) {
		t.Fatalf("got %v, want BrokenStaticVolumeError", err)
	}
	if bsv.VolID != 1 || bsv.MissingLNum != 1 {
		t.Fatalf("broken volume report %+v", bsv)
	}
}

// diverging layout copies; the higher LEB version wins
func TestDualLayoutDivergence(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 4},
	}}
	f, g := createTestImage(t, spec)

	// rewrite the second layout copy with a newer table
	newer, err := g.BuildVtbl([]*VolumeInfo{
		{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "renamed", RsvdLEBs: 4},
	})
	if err != nil {
		t.Fatalf("BuildVtbl: %v", err)
	}
	vid := &VIDHeader{
		VolType: VolumeDynamic,
		Compat:  layoutVolumeCompat,
		VolID:   LayoutVolumeID,
		LNum:    1,
		LEBVer:  1,
		Sqnum:   1000,
	}
	if err := g.writePEB(f, 1, 0, 0, vid, newer); err != nil {
		t.Fatalf("writePEB: %v", err)
	}

	res := scanTestImage(t, f, g)
	if res.Records[0] == nil || res.Records[0].Name != "renamed" {
		t.Fatalf("volume table slot 0: %+v, want the leb_ver=1 copy", res.Records[0])
	}
}

// sqnum strictly increasing in emission order
func TestSqnumMonotonic(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{
		{
			VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "a", RsvdLEBs: 2},
			Payload:    bytes.NewReader(bytes.Repeat([]byte{0x01}, 126976*2)),
		},
		{
			VolumeInfo: VolumeInfo{ID: 1, Type: VolumeStatic, Alignment: 1, Name: "b", DataBytes: 1000},
			Payload:    bytes.NewReader(make([]byte, 1000)),
		},
	}
	f, g := createTestImage(t, spec)

	var prev uint64
	var seen bool
	for peb := 0; int64(peb+1)*int64(g.PEBSize) <= f.size(); peb++ {
		base := int64(peb) * int64(g.PEBSize)
		vidArea := f.b[base+int64(g.VIDHdrOffset) : base+int64(g.VIDHdrOffset)+VIDHdrSize]
		if isBlank(vidArea) {
			continue
		}
		vid, err := ParseVIDHeader(vidArea)
		if err != nil {
			t.Fatalf("PEB %d: %v", peb, err)
		}
		if seen && vid.Sqnum <= prev {
			t.Fatalf("PEB %d: sqnum %d not above %d", peb, vid.Sqnum, prev)
		}
		prev, seen = vid.Sqnum, true
	}
	if !seen {
		t.Fatal("no VID headers found")
	}
}

// erased and EC-only PEBs classify as empty and free
func TestEmptyAndFreeClassification(t *testing.T) {
	spec := testImageSpec()
	spec.TotalPEBs = 5
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 1},
	}}
	f, g := createTestImage(t, spec)

	// append one fully erased PEB
	blank := bytes.Repeat([]byte{0xFF}, g.PEBSize)
	if _, err := f.WriteAt(blank, f.size()); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}

	res := scanTestImage(t, f, g)
	if !res.Empty.Test(5) {
		t.Fatal("all-0xFF PEB not classified empty")
	}
	if res.Corrupt.Test(5) {
		t.Fatal("all-0xFF PEB classified corrupt")
	}
	// PEBs 2..4: EC header only
	for _, peb := range []uint{2, 3, 4} {
		if !res.Free.Test(peb) {
			t.Errorf("EC-only PEB %d not classified free", peb)
		}
	}
}

// the layout volume never surfaces as a user volume
func TestLayoutVolumeHidden(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 1},
	}}
	f, g := createTestImage(t, spec)
	res := scanTestImage(t, f, g)

	for _, vi := range res.Volumes() {
		if vi.ID == LayoutVolumeID {
			t.Fatal("layout volume listed as a user volume")
		}
	}
	if res.Active(LayoutVolumeID, 0) == nil || res.Active(LayoutVolumeID, 1) == nil {
		t.Fatal("layout copies not tracked for reconstruction")
	}
}

// the active entry always has the maximal valid version
func TestActiveHasMaximalVersion(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 8},
	}}
	f, g := createTestImage(t, spec)

	vi := &VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 8}
	seq := NewSequence(100)
	for i, ver := range []uint32{2, 0, 5, 1, 4} {
		hdr := vi.NewVIDHeader(g, 0, ver, seq.Next(), 0, 0, 0)
		if err := g.writePEB(f, 2+i, 0, 0, hdr, []byte{byte(ver)}); err != nil {
			t.Fatalf("writePEB: %v", err)
		}
	}

	res := scanTestImage(t, f, g)
	active := res.Active(0, 0)
	if active == nil || active.VID.LEBVer != 5 {
		t.Fatalf("active version %+v, want leb_ver 5", active)
	}
	hist := res.History(0, 0)
	if len(hist) != 4 {
		t.Fatalf("history has %d entries, want 4", len(hist))
	}
	for i := 1; i < len(hist); i++ {
		if hist[i-1].VID.LEBVer < hist[i].VID.LEBVer {
			t.Fatal("history not ordered by descending version")
		}
	}
}

// round trip with a non-trivial alignment: data_pad constant per LEB
func TestAlignmentDataPad(t *testing.T) {
	spec := testImageSpec()
	align := 3000
	g0, err := NewGeometry(spec.PEBSize, spec.MinIOSize, spec.VIDHdrOffset, 0)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	usable := g0.LEBSize - g0.LEBSize%align
	payload := bytes.Repeat([]byte{0x77}, usable+100)
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeStatic, Alignment: align, Name: "aligned", DataBytes: int64(len(payload))},
		Payload:    bytes.NewReader(payload),
	}}
	f, g := createTestImage(t, spec)
	res := scanTestImage(t, f, g)

	for lnum := 0; lnum < 2; lnum++ {
		e := res.Active(0, lnum)
		if e == nil {
			t.Fatalf("LEB %d missing", lnum)
		}
		if int(e.VID.DataPad) != g.LEBSize%align {
			t.Fatalf("LEB %d data_pad %d, want %d", lnum, e.VID.DataPad, g.LEBSize%align)
		}
	}
	out, err := res.ExtractVolume(0)
	if err != nil {
		t.Fatalf("ExtractVolume: %v", err)
	}
	if !bytes.Equal(out, payload) {
		t.Fatal("aligned volume round trip failed")
	}
}

func TestDetectGeometry(t *testing.T) {
	spec := testImageSpec()
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "test", RsvdLEBs: 1},
	}}
	f, want := createTestImage(t, spec)

	got, err := DetectGeometry(f, f.size(), spec.PEBSize)
	if err != nil {
		t.Fatalf("DetectGeometry: %v", err)
	}
	if got.VIDHdrOffset != want.VIDHdrOffset || got.DataOffset != want.DataOffset || got.LEBSize != want.LEBSize {
		t.Fatalf("detected %+v, created %+v", got, want)
	}
}

// the scanner follows the EC header's own VID offset, not the presumed one
func TestScanHonorsHeaderOffsets(t *testing.T) {
	// image created with a 4096-byte VID header offset
	spec := ImageSpec{PEBSize: 131072, MinIOSize: 2048, VIDHdrOffset: 4096}
	payload := bytes.Repeat([]byte{0x3C}, 1000)
	spec.Volumes = []ImageVolume{{
		VolumeInfo: VolumeInfo{ID: 0, Type: VolumeDynamic, Alignment: 1, Name: "offs", RsvdLEBs: 1},
		Payload:    bytes.NewReader(payload),
	}}
	f, _ := createTestImage(t, spec)

	// scan with the default-offset geometry for the same PEB size
	presumed, err := NewGeometry(131072, 2048, 0, 0)
	if err != nil {
		t.Fatalf("NewGeometry: %v", err)
	}
	res := scanTestImage(t, f, presumed)
	e := res.Active(0, 0)
	if e == nil {
		t.Fatal("LEB not found through the EC header offsets")
	}
	if !bytes.Equal(e.Data[:1000], payload) {
		t.Fatal("payload not read from the header-declared data offset")
	}
}

func TestSequence(t *testing.T) {
	s := NewSequence(5)
	for want := uint64(5); want < 8; want++ {
		if got := s.Next(); got != want {
			t.Fatalf("Next() = %d, want %d", got, want)
		}
	}
}

func TestVIDHeaderOnFlashLayout(t *testing.T) {
	g := testGeometry(t)
	vi := &VolumeInfo{ID: 7, Type: VolumeStatic, Alignment: 1, Name: "x", DataBytes: 1}
	b := vi.NewVIDHeader(g, 9, 3, 0x1122334455667788, 1, 0xA1B2C3D4, 1).ToBytes()

	if got := binary.LittleEndian.Uint32(b[0:4]); got != VIDHdrMagic {
		t.Fatalf("magic %#x", got)
	}
	if b[4] != 1 || b[5] != byte(VolumeStatic) {
		t.Fatalf("version/type bytes %d %d", b[4], b[5])
	}
	if got := binary.LittleEndian.Uint32(b[8:12]); got != 7 {
		t.Fatalf("vol_id at offset 8: %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[12:16]); got != 9 {
		t.Fatalf("lnum at offset 12: %d", got)
	}
	if got := binary.LittleEndian.Uint32(b[16:20]); got != 3 {
		t.Fatalf("leb_ver at offset 16: %d", got)
	}
	if got := binary.LittleEndian.Uint64(b[40:48]); got != 0x1122334455667788 {
		t.Fatalf("sqnum at offset 40: %#x", got)
	}
}
