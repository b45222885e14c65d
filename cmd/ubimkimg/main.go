// ubimkimg builds a UBI image from a volume descriptor file.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"github.com/tailscale/hujson"
	"github.com/xyproto/env/v2"

	"github.com/mtdutils/go-mtdutils/ubi"
	"github.com/mtdutils/go-mtdutils/util"
)

const (
	exitOK = iota
	exitUsage
	exitIO
	exitFormat
)

type volumeDesc struct {
	ID           uint32 `json:"id"`
	Type         string `json:"type"`
	Name         string `json:"name"`
	Alignment    int    `json:"alignment"`
	ReservedLEBs int    `json:"reserved_lebs"`
	Image        string `json:"image"`
	Autoresize   bool   `json:"autoresize"`
}

type imageDesc struct {
	PEBSize      string       `json:"peb_size"`
	MinIOSize    string       `json:"min_io_size"`
	VIDHdrOffset string       `json:"vid_hdr_offset"`
	UBIVer       int          `json:"ubi_ver"`
	ImageSeq     uint32       `json:"image_seq"`
	EC           uint64       `json:"ec"`
	TotalPEBs    int          `json:"total_pebs"`
	Volumes      []volumeDesc `json:"volumes"`
}

func main() {
	os.Exit(run())
}

func run() int {
	log := logrus.New()

	var (
		output     = flag.StringP("output", "o", env.Str("UBIMKIMG_OUTPUT", "ubi.img"), "output image file")
		pebSize    = flag.String("peb-size", "", "physical eraseblock size (overrides descriptor)")
		minIOSize  = flag.String("min-io-size", "", "minimum I/O unit size (overrides descriptor)")
		vidHdrOffs = flag.String("vid-hdr-offset", "", "VID header offset (overrides descriptor)")
		ubiVer     = flag.Int("ubi-ver", 0, "UBI version (overrides descriptor)")
		imageSeq   = flag.Uint32("image-seq", 0, "image sequence number (overrides descriptor)")
		verbose    = flag.BoolP("verbose", "v", false, "verbose output")
	)
	flag.Parse()

	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	if flag.NArg() != 1 {
		log.Error("exactly one volume descriptor file expected")
		return exitUsage
	}

	desc, err := loadDescriptor(flag.Arg(0))
	if err != nil {
		log.Error(err)
		return exitUsage
	}

	spec := ubi.ImageSpec{
		UBIVer:    desc.UBIVer,
		ImageSeq:  desc.ImageSeq,
		EC:        desc.EC,
		TotalPEBs: desc.TotalPEBs,
	}
	if spec.PEBSize, err = sizeOption(*pebSize, desc.PEBSize); err != nil {
		log.Error(err)
		return exitUsage
	}
	if spec.MinIOSize, err = sizeOption(*minIOSize, desc.MinIOSize); err != nil {
		log.Error(err)
		return exitUsage
	}
	if spec.VIDHdrOffset, err = sizeOption(*vidHdrOffs, desc.VIDHdrOffset); err != nil {
		log.Error(err)
		return exitUsage
	}
	if *ubiVer != 0 {
		spec.UBIVer = *ubiVer
	}
	if *imageSeq != 0 {
		spec.ImageSeq = *imageSeq
	}

	var payloads []*os.File
	defer func() {
		for _, f := range payloads {
			f.Close()
		}
	}()
	for _, vd := range desc.Volumes {
		iv := ubi.ImageVolume{
			VolumeInfo: ubi.VolumeInfo{
				ID:        vd.ID,
				Name:      vd.Name,
				Alignment: vd.Alignment,
				RsvdLEBs:  vd.ReservedLEBs,
			},
		}
		if iv.Alignment == 0 {
			iv.Alignment = 1
		}
		switch vd.Type {
		case "dynamic", "":
			iv.Type = ubi.VolumeDynamic
		case "static":
			iv.Type = ubi.VolumeStatic
		default:
			log.Errorf("volume %d: unknown type %q", vd.ID, vd.Type)
			return exitUsage
		}
		if vd.Autoresize {
			iv.Flags |= ubi.AutoresizeFlag
		}
		if vd.Image != "" {
			f, err := os.Open(vd.Image)
			if err != nil {
				log.Errorf("volume %d: %v", vd.ID, err)
				return exitIO
			}
			payloads = append(payloads, f)
			iv.Payload = f
			if iv.Type == ubi.VolumeStatic {
				st, err := f.Stat()
				if err != nil {
					log.Errorf("volume %d: %v", vd.ID, err)
					return exitIO
				}
				iv.DataBytes = st.Size()
			}
		}
		spec.Volumes = append(spec.Volumes, iv)
	}

	out, err := os.Create(*output)
	if err != nil {
		log.Error(err)
		return exitIO
	}
	defer out.Close()

	g, err := ubi.CreateImage(out, spec, ubi.LogrusReporter(log))
	if err != nil {
		log.Error(err)
		return exitCode(err)
	}

	pebs := spec.TotalPEBs
	if pebs == 0 {
		vols := make([]*ubi.VolumeInfo, len(spec.Volumes))
		for i := range spec.Volumes {
			vols[i] = &spec.Volumes[i].VolumeInfo
		}
		pebs = ubi.PEBsNeeded(g, vols)
	}
	log.Infof("wrote %s: %d PEBs, %d volumes", *output, pebs, len(spec.Volumes))
	return exitOK
}

func loadDescriptor(path string) (*imageDesc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var desc imageDesc
	if err := json.Unmarshal(std, &desc); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &desc, nil
}

func sizeOption(override, fromDesc string) (int, error) {
	s := fromDesc
	if override != "" {
		s = override
	}
	if s == "" {
		return 0, nil
	}
	n, err := util.ParseBytes(s)
	return int(n), err
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
