//go:build linux

package mtd

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ioctl requests from <mtd/mtd-abi.h>
const (
	memGetInfo     = 0x80204d01 // _IOR('M', 1, struct mtd_info_user)
	memErase       = 0x40084d02 // _IOW('M', 2, struct erase_info_user)
	memGetBadBlock = 0x40084d0b // _IOW('M', 11, __kernel_loff_t)

	mtdDevMajor = 90

	mtdWriteable = 0x400
)

// struct mtd_info_user
type mtdInfoUser struct {
	typ       uint8
	_         [3]byte
	flags     uint32
	size      uint32
	erasesize uint32
	writesize uint32
	oobsize   uint32
	_         uint64
}

// struct erase_info_user
type eraseInfoUser struct {
	start  uint32
	length uint32
}

var mtdTypeNames = map[uint8]string{
	1: "RAM-based",
	2: "ROM",
	3: "NOR",
	4: "NAND",
	6: "DataFlash",
	7: "UBI-emulated MTD",
}

// CharDev is an MTD character device node.
type CharDev struct {
	fd       int
	info     Info
	allowsBB bool
}

// Open opens the MTD device node and queries its geometry via the
// MEMGETINFO and MEMGETBADBLOCK ioctls.
func Open(node string) (*CharDev, error) {
	var st unix.Stat_t
	if err := unix.Stat(node, &st); err != nil {
		return nil, fmt.Errorf("cannot stat %q: %w", node, err)
	}
	if st.Mode&unix.S_IFMT != unix.S_IFCHR {
		return nil, fmt.Errorf("%q is not a character device", node)
	}
	if unix.Major(st.Rdev) != mtdDevMajor {
		return nil, fmt.Errorf("%q has major number %d, MTD devices have major %d",
			node, unix.Major(st.Rdev), mtdDevMajor)
	}

	fd, err := unix.Open(node, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("cannot open %q: %w", node, err)
	}

	var ui mtdInfoUser
	if err := ioctl(fd, memGetInfo, unsafe.Pointer(&ui)); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("MEMGETINFO ioctl request failed: %w", err)
	}

	allowsBB := true
	var offs int64
	if err := ioctl(fd, memGetBadBlock, unsafe.Pointer(&offs)); err != nil {
		if err != unix.EOPNOTSUPP {
			unix.Close(fd)
			return nil, fmt.Errorf("MEMGETBADBLOCK ioctl failed: %w", err)
		}
		allowsBB = false
	}

	if ui.writesize == 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("%q has insane min. I/O unit size %d", node, ui.writesize)
	}
	if ui.erasesize == 0 || ui.erasesize < ui.writesize {
		unix.Close(fd)
		return nil, fmt.Errorf("%q has insane eraseblock size %d", node, ui.erasesize)
	}
	if ui.size == 0 || ui.size < ui.erasesize {
		unix.Close(fd)
		return nil, fmt.Errorf("%q has insane size %d", node, ui.size)
	}

	typeStr, ok := mtdTypeNames[ui.typ]
	if !ok {
		if ui.typ == 0 {
			unix.Close(fd)
			return nil, fmt.Errorf("%q is removable and is not present", node)
		}
		typeStr = "Unknown flash type"
	}

	return &CharDev{
		fd: fd,
		info: Info{
			Type:             typeStr,
			Size:             int64(ui.size),
			EBSize:           int(ui.erasesize),
			EBCount:          int(ui.size / ui.erasesize),
			MinIOSize:        int(ui.writesize),
			ReadOnly:         ui.flags&mtdWriteable == 0,
			MayHaveBadBlocks: allowsBB,
		},
		allowsBB: allowsBB,
	}, nil
}

// Info returns the device description.
func (d *CharDev) Info() Info {
	return d.info
}

// IsBad checks the bad-block table for eraseblock eb.
func (d *CharDev) IsBad(eb int) (bool, error) {
	if eb < 0 || eb >= d.info.EBCount {
		return false, fmt.Errorf("bad eraseblock number %d, device has %d eraseblocks", eb, d.info.EBCount)
	}
	if !d.allowsBB {
		return false, nil
	}
	offs := int64(eb) * int64(d.info.EBSize)
	r1, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), memGetBadBlock, uintptr(unsafe.Pointer(&offs)))
	if errno != 0 {
		return false, fmt.Errorf("MEMGETBADBLOCK ioctl failed for eraseblock %d: %w", eb, errno)
	}
	return r1 > 0, nil
}

// Erase erases eraseblock eb via the MEMERASE ioctl.
func (d *CharDev) Erase(eb int) error {
	if err := checkBounds(d.info, eb, 0, 0); err != nil {
		return err
	}
	ei := eraseInfoUser{
		start:  uint32(eb) * uint32(d.info.EBSize),
		length: uint32(d.info.EBSize),
	}
	if err := ioctl(d.fd, memErase, unsafe.Pointer(&ei)); err != nil {
		return fmt.Errorf("MEMERASE ioctl failed for eraseblock %d: %w", eb, err)
	}
	return nil
}

// Read reads len(buf) bytes from offset offs of eraseblock eb.
func (d *CharDev) Read(eb, offs int, buf []byte) error {
	if err := checkBounds(d.info, eb, offs, len(buf)); err != nil {
		return err
	}
	seek := int64(eb)*int64(d.info.EBSize) + int64(offs)
	for rd := 0; rd < len(buf); {
		n, err := unix.Pread(d.fd, buf[rd:], seek+int64(rd))
		if err != nil {
			return fmt.Errorf("cannot read %d bytes from eraseblock %d, offset %d: %w", len(buf), eb, offs, err)
		}
		if n == 0 {
			return fmt.Errorf("unexpected EOF reading eraseblock %d, offset %d", eb, offs)
		}
		rd += n
	}
	return nil
}

// Write writes buf at offset offs of eraseblock eb.
func (d *CharDev) Write(eb, offs int, buf []byte) error {
	if err := checkBounds(d.info, eb, offs, len(buf)); err != nil {
		return err
	}
	seek := int64(eb)*int64(d.info.EBSize) + int64(offs)
	n, err := unix.Pwrite(d.fd, buf, seek)
	if err != nil {
		return fmt.Errorf("cannot write %d bytes to eraseblock %d, offset %d: %w", len(buf), eb, offs, err)
	}
	if n != len(buf) {
		return fmt.Errorf("short write to eraseblock %d, offset %d: %d of %d bytes", eb, offs, n, len(buf))
	}
	return nil
}

// Close closes the device node.
func (d *CharDev) Close() error {
	return unix.Close(d.fd)
}

func ioctl(fd int, req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}
