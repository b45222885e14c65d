package ubi

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/natefinch/atomic"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// ExtractReport summarizes an image extraction.
type ExtractReport struct {
	// Volumes are the declared volumes, with Corrupted set on the ones
	// that could not be reconstructed.
	Volumes []*VolumeInfo
	// Written lists the volume ids whose streams were written out. Missing
	// LEBs of a dynamic volume are filled with 0xFF in its stream.
	Written []uint32
	// Broken lists the static volumes that could not be reconstructed.
	Broken []*BrokenStaticVolumeError
	// Scan is the underlying scan result.
	Scan *ScanResult
}

// Partial reports whether at least one static volume could not be
// reconstructed.
func (r *ExtractReport) Partial() bool {
	return len(r.Broken) > 0
}

// OpenImage reads an image file into memory, transparently decompressing
// .gz, .xz and .lz4 files. The scanner needs random access, so the whole
// image is buffered.
func OpenImage(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &IOError{Op: fmt.Sprintf("opening %q", path), Err: err}
	}
	defer f.Close()

	var r io.Reader = f
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz":
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, &IOError{Op: fmt.Sprintf("opening %q", path), Err: err}
		}
		defer zr.Close()
		r = zr
	case ".xz":
		xr, err := xz.NewReader(f)
		if err != nil {
			return nil, &IOError{Op: fmt.Sprintf("opening %q", path), Err: err}
		}
		r = xr
	case ".lz4":
		r = lz4.NewReader(f)
	}

	buf, err := io.ReadAll(r)
	if err != nil {
		return nil, &IOError{Op: fmt.Sprintf("reading %q", path), Err: err}
	}
	return buf, nil
}

// ExtractImage scans the image file and writes one ubivol_<id>.bin per
// recovered volume into dir, creating it if needed. Broken static
// volumes are reported and skipped; the remaining volumes still extract.
// Output files are written atomically. A nil geometry is detected from
// the image using pebSize.
func ExtractImage(path, dir string, pebSize int, g *Geometry, rep Reporter) (*ExtractReport, error) {
	img, err := OpenImage(path)
	if err != nil {
		return nil, err
	}
	r := bytes.NewReader(img)

	if g == nil {
		g, err = DetectGeometry(r, int64(len(img)), pebSize)
		if err != nil {
			return nil, err
		}
	}

	res, err := Scan(r, int64(len(img)), g, rep)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, &IOError{Op: fmt.Sprintf("creating %q", dir), Err: err}
	}

	rpt := &ExtractReport{Scan: res, Volumes: res.Volumes()}
	for _, vi := range rpt.Volumes {
		data, err := res.ExtractVolume(vi.ID)
		if err != nil {
			var bsv *BrokenStaticVolumeError
			if errors.As(err, &bsv) {
				report(rep, SevError, "%v", bsv)
				vi.Corrupted = true
				rpt.Broken = append(rpt.Broken, bsv)
				continue
			}
			return nil, err
		}
		name := filepath.Join(dir, fmt.Sprintf("ubivol_%d.bin", vi.ID))
		if err := atomic.WriteFile(name, bytes.NewReader(data)); err != nil {
			return nil, &IOError{Op: fmt.Sprintf("writing %q", name), Err: err}
		}
		report(rep, SevInfo, "volume %d (%q): wrote %d bytes to %s", vi.ID, vi.Name, len(data), name)
		rpt.Written = append(rpt.Written, vi.ID)
	}
	return rpt, nil
}
