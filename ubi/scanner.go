package ubi

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/bits-and-blooms/bitset"
	"github.com/google/uuid"
)

// LEBEntry is one physical placement of a logical eraseblock found
// during a scan.
type LEBEntry struct {
	// PEB is the physical eraseblock index the entry was found in.
	PEB int
	// EC and VID are the validated headers.
	EC  *ECHeader
	VID *VIDHeader
	// Data is the PEB content from the data offset onward.
	Data []byte
	// DataCRCOK is the payload CRC verdict; always true for dynamic
	// volumes, which carry no payload CRC.
	DataCRCOK bool
}

type lebKey struct {
	volID uint32
	lnum  uint32
}

// ScanResult is what a single forward pass over an image yields: PEB
// classification, the LEB chains, and the reconstructed volume table.
type ScanResult struct {
	Geometry  *Geometry
	SessionID string

	// Records is the reconstructed volume table, slot-indexed; unused
	// slots are nil.
	Records []*VtblRecord

	// Empty, Free, Mapped and Corrupt classify every PEB of the image.
	Empty   *bitset.BitSet
	Free    *bitset.BitSet
	Mapped  *bitset.BitSet
	Corrupt *bitset.BitSet

	// Findings collects the non-fatal CorruptHeaderError values
	// recorded while walking.
	Findings []error

	// MaxSqnum is the highest sequence number seen on any valid VID
	// header; writers continuing an image start above it.
	MaxSqnum uint64

	slots map[lebKey][]*LEBEntry
}

// Scan walks the image PEB by PEB, validates headers, groups placements
// by (vol_id, lnum) ordered by descending LEB version, and reconstructs
// the volume table from the layout volume. Callers without a known
// geometry obtain one with DetectGeometry first. The scan never seeks
// backward and classifies rather than fails on per-PEB corruption.
func Scan(r io.ReaderAt, size int64, g *Geometry, rep Reporter) (*ScanResult, error) {
	if g == nil {
		return nil, &UsageError{Msg: "scan requires a geometry; use DetectGeometry for unknown images"}
	}
	pebCount := int(size / int64(g.PEBSize))
	res := &ScanResult{
		Geometry:  g,
		SessionID: uuid.New().String(),
		Empty:     bitset.New(uint(pebCount)),
		Free:      bitset.New(uint(pebCount)),
		Mapped:    bitset.New(uint(pebCount)),
		Corrupt:   bitset.New(uint(pebCount)),
		slots:     make(map[lebKey][]*LEBEntry),
	}
	report(rep, SevDebug, "scan %s: %d PEBs of %d bytes", res.SessionID, pebCount, g.PEBSize)

	peb := make([]byte, g.PEBSize)
	for i := 0; i < pebCount; i++ {
		if _, err := r.ReadAt(peb, int64(i)*int64(g.PEBSize)); err != nil {
			return nil, &IOError{Op: fmt.Sprintf("reading PEB %d", i), Err: err}
		}
		res.scanPEB(i, peb, rep)
	}

	if err := res.reconstructVtbl(rep); err != nil {
		return nil, err
	}
	report(rep, SevInfo, "scan %s: %d mapped, %d free, %d empty, %d corrupt",
		res.SessionID, res.Mapped.Count(), res.Free.Count(), res.Empty.Count(), res.Corrupt.Count())
	return res, nil
}

func (res *ScanResult) scanPEB(i int, peb []byte, rep Reporter) {
	g := res.Geometry

	if isBlank(peb[0:4]) {
		res.Empty.Set(uint(i))
		return
	}

	ech, err := ParseECHeader(peb)
	if err != nil {
		res.corrupt(i, err, rep)
		return
	}

	// honor the offsets the EC header declares, not the presumed ones
	vidOffs := int(ech.VIDHdrOffset)
	dataOffs := int(ech.DataOffset)
	if vidOffs < ECHdrSize || vidOffs+VIDHdrSize > g.PEBSize ||
		dataOffs < vidOffs+VIDHdrSize || dataOffs > g.PEBSize {
		res.corrupt(i, &CorruptHeaderError{Kind: FieldRange, PEB: i}, rep)
		return
	}

	if isBlank(peb[vidOffs : vidOffs+VIDHdrSize]) {
		res.Free.Set(uint(i))
		return
	}

	vid, err := ParseVIDHeader(peb[vidOffs : vidOffs+VIDHdrSize])
	if err != nil {
		res.corrupt(i, err, rep)
		return
	}

	data := make([]byte, g.PEBSize-dataOffs)
	copy(data, peb[dataOffs:])

	crcOK := true
	if vid.VolType == VolumeStatic {
		if int(vid.DataSize) > len(data) {
			res.corrupt(i, &CorruptHeaderError{Kind: FieldRange, PEB: i}, rep)
			return
		}
		crcOK = ubiCRC32(data[:vid.DataSize]) == vid.DataCRC
		if !crcOK {
			report(rep, SevWarning, "PEB %d: static data CRC mismatch (vol %d, LEB %d)", i, vid.VolID, vid.LNum)
		}
	}

	res.Mapped.Set(uint(i))
	res.insert(&LEBEntry{PEB: i, EC: ech, VID: vid, Data: data, DataCRCOK: crcOK}, rep)
}

func (res *ScanResult) corrupt(i int, err error, rep Reporter) {
	var che *CorruptHeaderError
	if c, ok := err.(*CorruptHeaderError); ok {
		che = &CorruptHeaderError{Kind: c.Kind, PEB: i}
	} else {
		che = &CorruptHeaderError{Kind: FieldRange, PEB: i}
	}
	res.Corrupt.Set(uint(i))
	res.Findings = append(res.Findings, che)
	report(rep, SevWarning, "%v", che)
}

// insert places the entry into its (vol_id, lnum) slot, keeping entries
// ordered by descending LEB version. The head is the active version. On
// equal versions the later file offset wins the active position and a
// corruption warning is surfaced; the loser stays in history.
func (res *ScanResult) insert(e *LEBEntry, rep Reporter) {
	k := lebKey{volID: e.VID.VolID, lnum: e.VID.LNum}
	entries := res.slots[k]
	if e.VID.Sqnum > res.MaxSqnum {
		res.MaxSqnum = e.VID.Sqnum
	}

	for _, old := range entries {
		if old.VID.LEBVer == e.VID.LEBVer {
			report(rep, SevWarning,
				"vol %d LEB %d: PEBs %d and %d share LEB version %d",
				k.volID, k.lnum, old.PEB, e.PEB, e.VID.LEBVer)
			break
		}
	}

	entries = append(entries, e)
	sort.SliceStable(entries, func(a, b int) bool {
		if entries[a].VID.LEBVer != entries[b].VID.LEBVer {
			return entries[a].VID.LEBVer > entries[b].VID.LEBVer
		}
		return entries[a].PEB > entries[b].PEB
	})
	res.slots[k] = entries
}

// Active returns the winning placement for (volID, lnum), or nil.
func (res *ScanResult) Active(volID uint32, lnum int) *LEBEntry {
	entries := res.slots[lebKey{volID: volID, lnum: uint32(lnum)}]
	if len(entries) == 0 {
		return nil
	}
	return entries[0]
}

// History returns the superseded placements for (volID, lnum), newest
// first. Diagnostic only.
func (res *ScanResult) History(volID uint32, lnum int) []*LEBEntry {
	entries := res.slots[lebKey{volID: volID, lnum: uint32(lnum)}]
	if len(entries) <= 1 {
		return nil
	}
	return entries[1:]
}

// reconstructVtbl selects the volume table from the layout volume: both
// copies are consulted, a valid CRC and the higher LEB version win, and
// between copies of equal LEB version the higher sequence number wins.
// When both copies are valid and their tables differ, the inconsistency
// is logged.
func (res *ScanResult) reconstructVtbl(rep Reporter) error {
	g := res.Geometry

	type candidate struct {
		entry *LEBEntry
		recs  []*VtblRecord
	}
	var cands []candidate
	for lnum := 0; lnum < LayoutVolumeEBs; lnum++ {
		entries := res.slots[lebKey{volID: LayoutVolumeID, lnum: uint32(lnum)}]
		for _, e := range entries {
			recs, err := g.parseVtbl(e.Data)
			if err != nil {
				report(rep, SevWarning, "layout PEB %d: unusable volume table: %v", e.PEB, err)
				continue
			}
			cands = append(cands, candidate{entry: e, recs: recs})
			break
		}
	}

	if len(cands) == 0 {
		res.Records = make([]*VtblRecord, g.VtblSlots)
		report(rep, SevError, "no usable volume table found")
		return nil
	}

	best := cands[0]
	for _, c := range cands[1:] {
		if c.entry.VID.LEBVer > best.entry.VID.LEBVer ||
			(c.entry.VID.LEBVer == best.entry.VID.LEBVer && c.entry.VID.Sqnum > best.entry.VID.Sqnum) {
			best = c
		}
	}
	if len(cands) == 2 && !vtblEqual(cands[0].recs, cands[1].recs) {
		report(rep, SevWarning,
			"layout volume copies diverge (PEBs %d and %d), preferring LEB version %d, sqnum %d",
			cands[0].entry.PEB, cands[1].entry.PEB, best.entry.VID.LEBVer, best.entry.VID.Sqnum)
	}
	res.Records = best.recs
	return nil
}

func vtblEqual(a, b []*VtblRecord) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if (a[i] == nil) != (b[i] == nil) {
			return false
		}
		if a[i] != nil && *a[i] != *b[i] {
			return false
		}
	}
	return true
}

// Volumes returns the declared volumes, in volume-id order.
func (res *ScanResult) Volumes() []*VolumeInfo {
	var vols []*VolumeInfo
	for id, rec := range res.Records {
		if rec == nil {
			continue
		}
		vols = append(vols, volumeInfoFromRecord(uint32(id), rec))
	}
	return vols
}

// ExtractVolume reconstructs the byte stream of one declared volume:
// LEB-sized blocks from lnum 0 upward, truncated to the declared length.
// Missing LEBs of a dynamic volume read as 0xFF; a missing or
// CRC-mismatching LEB of a static volume yields BrokenStaticVolumeError.
func (res *ScanResult) ExtractVolume(volID uint32) ([]byte, error) {
	g := res.Geometry
	if int(volID) >= len(res.Records) || res.Records[volID] == nil {
		return nil, &UsageError{Msg: fmt.Sprintf("no volume %d in the volume table", volID)}
	}
	rec := res.Records[volID]
	usable := g.LEBSize - int(rec.DataPad)
	if usable <= 0 {
		usable = g.LEBSize
	}

	if rec.VolType == VolumeStatic {
		return res.extractStatic(volID, rec, usable)
	}
	return res.extractDynamic(volID, rec, usable), nil
}

func (res *ScanResult) extractStatic(volID uint32, rec *VtblRecord, usable int) ([]byte, error) {
	usedEBs := -1
	for lnum := 0; lnum < int(rec.ReservedPEBs); lnum++ {
		if e := res.Active(volID, lnum); e != nil {
			usedEBs = int(e.VID.UsedEBs)
			break
		}
	}
	if usedEBs < 0 {
		if rec.ReservedPEBs == 0 {
			return []byte{}, nil
		}
		return nil, &BrokenStaticVolumeError{VolID: volID, MissingLNum: 0, BadCRCLNum: -1}
	}

	out := make([]byte, 0, usedEBs*usable)
	for lnum := 0; lnum < usedEBs; lnum++ {
		e := res.Active(volID, lnum)
		if e == nil {
			return nil, &BrokenStaticVolumeError{VolID: volID, MissingLNum: lnum, BadCRCLNum: -1}
		}
		if !e.DataCRCOK {
			return nil, &BrokenStaticVolumeError{VolID: volID, MissingLNum: -1, BadCRCLNum: lnum}
		}
		out = append(out, e.Data[:e.VID.DataSize]...)
	}
	return out, nil
}

func (res *ScanResult) extractDynamic(volID uint32, rec *VtblRecord, usable int) []byte {
	out := make([]byte, int(rec.ReservedPEBs)*usable)
	for i := range out {
		out[i] = 0xFF
	}
	for lnum := 0; lnum < int(rec.ReservedPEBs); lnum++ {
		e := res.Active(volID, lnum)
		if e == nil {
			continue
		}
		n := usable
		if n > len(e.Data) {
			n = len(e.Data)
		}
		copy(out[lnum*usable:], e.Data[:n])
	}
	return out
}

// Dump renders the LEB chains, active then history per slot, for
// debugging.
func (res *ScanResult) Dump() string {
	keys := make([]lebKey, 0, len(res.slots))
	for k := range res.slots {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(a, b int) bool {
		if keys[a].volID != keys[b].volID {
			return keys[a].volID < keys[b].volID
		}
		return keys[a].lnum < keys[b].lnum
	})
	var sb strings.Builder
	for _, k := range keys {
		for i, e := range res.slots[k] {
			marker := "  "
			if i > 0 {
				marker = "+ "
			}
			fmt.Fprintf(&sb, "%sVOL %4d-%04d | VER 0x%08x | PEB %d\n",
				marker, k.volID, k.lnum, e.VID.LEBVer, e.PEB)
		}
	}
	if sb.Len() == 0 {
		return "EMPTY\n"
	}
	return sb.String()
}

// DetectGeometry derives a usable geometry from the first valid EC
// header of an image whose PEB size is known. The minimum I/O size is
// inferred as the distance between the VID header and data offsets; for
// images this package creates that is exact when the minimum I/O size is
// at least VIDHdrSize, and smaller sizes are inferred as VIDHdrSize.
func DetectGeometry(r io.ReaderAt, size int64, pebSize int) (*Geometry, error) {
	if pebSize <= 0 || size < int64(pebSize) {
		return nil, &UsageError{Msg: fmt.Sprintf("bad PEB size %d for a %d-byte image", pebSize, size)}
	}
	hdr := make([]byte, ECHdrSize)
	pebCount := int(size / int64(pebSize))
	for i := 0; i < pebCount; i++ {
		if _, err := r.ReadAt(hdr, int64(i)*int64(pebSize)); err != nil {
			return nil, &IOError{Op: fmt.Sprintf("reading PEB %d", i), Err: err}
		}
		ech, err := ParseECHeader(hdr)
		if err != nil {
			continue
		}
		vidOffs := int(ech.VIDHdrOffset)
		dataOffs := int(ech.DataOffset)
		if vidOffs < ECHdrSize || dataOffs <= vidOffs || dataOffs >= pebSize {
			continue
		}
		minIO := dataOffs - vidOffs
		lebSize := pebSize - dataOffs
		slots := lebSize / VtblRecordSize
		if slots > MaxVolumes {
			slots = MaxVolumes
		}
		return &Geometry{
			PEBSize:      pebSize,
			MinIOSize:    minIO,
			LEBSize:      lebSize,
			VIDHdrOffset: vidOffs,
			DataOffset:   dataOffs,
			UBIVersion:   UBIVersion,
			VtblSlots:    slots,
			MaxVolumes:   slots,
		}, nil
	}
	return nil, &CorruptHeaderError{Kind: MagicMismatch, PEB: 0}
}
