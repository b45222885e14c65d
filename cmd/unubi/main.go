// unubi decomposes a UBI image into one file per volume.
package main

import (
	"errors"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/mtdutils/go-mtdutils/ubi"
	"github.com/mtdutils/go-mtdutils/util"
)

const (
	exitOK = iota
	exitUsage
	exitIO
	exitFormat
	exitPartial
)

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.New()

	var (
		dir        = flag.StringP("dir", "d", "unubi", "output directory")
		pebSize    = flag.StringP("peb-size", "b", "128KiB", "physical eraseblock size")
		vidHdrOffs = flag.String("vid-hdr-offset", "", "VID header offset (default: detect from the image)")
		minIOSize  = flag.String("min-io-size", "", "minimum I/O unit size (default: detect from the image)")
		verbose    = flag.BoolP("verbose", "v", false, "verbose output")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if flag.NArg() != 1 {
		log.Error("please specify exactly one input image file")
		return exitUsage
	}

	peb, err := util.ParseBytes(*pebSize)
	if err != nil {
		log.Error(err)
		return exitUsage
	}

	var g *ubi.Geometry
	if *minIOSize != "" {
		minIO, err := util.ParseBytes(*minIOSize)
		if err != nil {
			log.Error(err)
			return exitUsage
		}
		var vidOffs int64
		if *vidHdrOffs != "" {
			if vidOffs, err = util.ParseBytes(*vidHdrOffs); err != nil {
				log.Error(err)
				return exitUsage
			}
		}
		if g, err = ubi.NewGeometry(int(peb), int(minIO), int(vidOffs), 0); err != nil {
			log.Error(err)
			return exitUsage
		}
	}

	rpt, err := ubi.ExtractImage(flag.Arg(0), *dir, int(peb), g, ubi.LogrusReporter(log))
	if err != nil {
		log.Error(err)
		return exitCode(err)
	}
	if rpt.Partial() {
		log.Warnf("recovered %d volumes, %d static volumes broken", len(rpt.Written), len(rpt.Broken))
		return exitPartial
	}
	log.Infof("recovered %d volumes into %s", len(rpt.Written), *dir)
	return exitOK
}

func exitCode(err error) int {
	var ue *ubi.UsageError
	var ioe *ubi.IOError
	var che *ubi.CorruptHeaderError
	switch {
	case errors.As(err, &ue):
		return exitUsage
	case errors.As(err, &ioe):
		return exitIO
	case errors.As(err, &che):
		return exitFormat
	}
	return exitIO
}
