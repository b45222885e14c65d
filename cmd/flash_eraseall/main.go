//go:build linux

// flash_eraseall erases the whole of an MTD device, skipping bad blocks.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/mtdutils/go-mtdutils/mtd"
)

const (
	exitOK = iota
	exitUsage
	exitIO
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.New()

	var (
		jffs2 = flag.BoolP("jffs2", "j", false, "format the device for jffs2")
		quiet = flag.BoolP("quiet", "q", false, "don't display progress messages")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		log.Error("no MTD device specified")
		return exitUsage
	}

	dev, err := mtd.Open(flag.Arg(0))
	if err != nil {
		log.Error(err)
		return exitIO
	}
	defer dev.Close()

	opts := mtd.EraseAllOptions{Quiet: *quiet, Log: log}
	if *jffs2 {
		// the cleanmarker payload is JFFS2's business; this tool only
		// stamps the standard 12-byte node at the block start
		marker := jffs2Cleanmarker()
		opts.Cleanmarker = func(d mtd.Dev, eb int) error {
			return d.Write(eb, 0, marker)
		}
	}

	if err := mtd.EraseAll(dev, opts); err != nil {
		log.Error(err)
		return exitIO
	}
	return exitOK
}

// jffs2Cleanmarker builds the cleanmarker node written after each erase
// when formatting for JFFS2 (magic 0x1985, nodetype CLEANMARKER).
func jffs2Cleanmarker() []byte {
	b := make([]byte, 12)
	b[0] = 0x85
	b[1] = 0x19
	b[2] = 0x03
	b[3] = 0x20
	b[4] = 12
	crc := jffs2CRC(b[:8])
	b[8] = byte(crc)
	b[9] = byte(crc >> 8)
	b[10] = byte(crc >> 16)
	b[11] = byte(crc >> 24)
	return b
}

// jffs2CRC is the JFFS2 node CRC: bit-reflected 0xEDB88320 with a zero
// seed and no final inversion.
func jffs2CRC(p []byte) uint32 {
	var crc uint32
	for _, c := range p {
		crc ^= uint32(c)
		for i := 0; i < 8; i++ {
			if crc&1 != 0 {
				crc = crc>>1 ^ 0xEDB88320
			} else {
				crc >>= 1
			}
		}
	}
	return crc
}
