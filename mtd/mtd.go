package mtd

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// Dev is an eraseblock-addressed view of an MTD device. Implementations
// exist for Linux character device nodes and for plain image files; both
// behave identically for geometry queries.
type Dev interface {
	// Info returns the device description.
	Info() Info
	// IsBad checks whether eraseblock eb is marked bad. On devices
	// without bad-block support it returns false without error.
	IsBad(eb int) (bool, error)
	// Erase erases eraseblock eb. Failed erases are surfaced to the
	// caller; the device layer never marks blocks bad itself.
	Erase(eb int) error
	// Read reads len(buf) bytes from offset offs of eraseblock eb.
	Read(eb, offs int, buf []byte) error
	// Write writes buf at offset offs of eraseblock eb.
	Write(eb, offs int, buf []byte) error
	// Close releases the underlying file descriptor.
	Close() error
}

// Info describes an MTD device.
type Info struct {
	Type             string
	Size             int64
	EBSize           int
	EBCount          int
	MinIOSize        int
	ReadOnly         bool
	MayHaveBadBlocks bool
}

func checkBounds(info Info, eb, offs, length int) error {
	if eb < 0 || eb >= info.EBCount {
		return fmt.Errorf("bad eraseblock number %d, device has %d eraseblocks", eb, info.EBCount)
	}
	if offs < 0 || length < 0 || offs+length > info.EBSize {
		return fmt.Errorf("bad offset %d or length %d, eraseblock size is %d", offs, length, info.EBSize)
	}
	return nil
}

// EraseAllOptions configure EraseAll.
type EraseAllOptions struct {
	// Quiet suppresses the per-eraseblock progress messages.
	Quiet bool
	// Cleanmarker, when set, is invoked after each successful erase.
	// The payload it writes is the caller's business (JFFS2 formatting
	// lives outside this layer).
	Cleanmarker func(d Dev, eb int) error
	// Log receives progress and skip messages. Nil means silent.
	Log *logrus.Logger
}

// EraseAll erases every eraseblock of the device, skipping bad blocks.
// Erase failures on individual blocks are logged and do not abort the
// remaining blocks; the first cleanmarker failure does.
func EraseAll(d Dev, opts EraseAllOptions) error {
	info := d.Info()
	for eb := 0; eb < info.EBCount; eb++ {
		bad, err := d.IsBad(eb)
		if err != nil {
			return err
		}
		if bad {
			if !opts.Quiet && opts.Log != nil {
				opts.Log.Warnf("skipping bad block at eraseblock %d", eb)
			}
			continue
		}
		if !opts.Quiet && opts.Log != nil {
			opts.Log.Infof("erasing %d KiB @ %#x -- %2d %% complete",
				info.EBSize/1024, int64(eb)*int64(info.EBSize),
				int64(eb)*100/int64(info.EBCount))
		}
		if err := d.Erase(eb); err != nil {
			if opts.Log != nil {
				opts.Log.Errorf("erase failure at eraseblock %d: %v", eb, err)
			}
			continue
		}
		if opts.Cleanmarker != nil {
			if err := opts.Cleanmarker(d, eb); err != nil {
				return fmt.Errorf("cleanmarker at eraseblock %d: %w", eb, err)
			}
		}
	}
	return nil
}
