package mtd

import (
	"fmt"

	"github.com/bits-and-blooms/bitset"

	"github.com/mtdutils/go-mtdutils/util"
)

// FileDev is a file-backed MTD device. It answers geometry queries the
// same way a real device does and reports zero bad blocks unless blocks
// are marked bad explicitly (useful to exercise skip-on-bad paths).
type FileDev struct {
	f    util.File
	info Info
	bad  *bitset.BitSet
}

// NewFileDev wraps an image file of the given size as an MTD device with
// the given eraseblock and minimum I/O sizes.
func NewFileDev(f util.File, size int64, ebSize, minIOSize int) (*FileDev, error) {
	if minIOSize <= 0 {
		return nil, fmt.Errorf("insane min. I/O unit size %d", minIOSize)
	}
	if ebSize <= 0 || ebSize < minIOSize {
		return nil, fmt.Errorf("insane eraseblock size %d", ebSize)
	}
	if size <= 0 || size < int64(ebSize) {
		return nil, fmt.Errorf("insane device size %d", size)
	}
	ebCount := int(size / int64(ebSize))
	return &FileDev{
		f: f,
		info: Info{
			Type:      "file",
			Size:      int64(ebCount) * int64(ebSize),
			EBSize:    ebSize,
			EBCount:   ebCount,
			MinIOSize: minIOSize,
		},
		bad: bitset.New(uint(ebCount)),
	}, nil
}

// Info returns the device description.
func (d *FileDev) Info() Info {
	return d.info
}

// IsBad reports whether eb has been marked bad with MarkBad.
func (d *FileDev) IsBad(eb int) (bool, error) {
	if eb < 0 || eb >= d.info.EBCount {
		return false, fmt.Errorf("bad eraseblock number %d, device has %d eraseblocks", eb, d.info.EBCount)
	}
	return d.bad.Test(uint(eb)), nil
}

// MarkBad marks eraseblock eb bad. File images have no factory bad-block
// table, so this exists for callers simulating NAND behavior.
func (d *FileDev) MarkBad(eb int) error {
	if eb < 0 || eb >= d.info.EBCount {
		return fmt.Errorf("bad eraseblock number %d, device has %d eraseblocks", eb, d.info.EBCount)
	}
	d.bad.Set(uint(eb))
	d.info.MayHaveBadBlocks = true
	return nil
}

// Erase fills eraseblock eb with 0xFF.
func (d *FileDev) Erase(eb int) error {
	if err := checkBounds(d.info, eb, 0, 0); err != nil {
		return err
	}
	blank := make([]byte, d.info.EBSize)
	for i := range blank {
		blank[i] = 0xFF
	}
	_, err := d.f.WriteAt(blank, int64(eb)*int64(d.info.EBSize))
	return err
}

// Read reads len(buf) bytes from offset offs of eraseblock eb.
func (d *FileDev) Read(eb, offs int, buf []byte) error {
	if err := checkBounds(d.info, eb, offs, len(buf)); err != nil {
		return err
	}
	_, err := d.f.ReadAt(buf, int64(eb)*int64(d.info.EBSize)+int64(offs))
	return err
}

// Write writes buf at offset offs of eraseblock eb.
func (d *FileDev) Write(eb, offs int, buf []byte) error {
	if err := checkBounds(d.info, eb, offs, len(buf)); err != nil {
		return err
	}
	_, err := d.f.WriteAt(buf, int64(eb)*int64(d.info.EBSize)+int64(offs))
	return err
}

// Close is a no-op; the caller owns the underlying file.
func (d *FileDev) Close() error {
	return nil
}
