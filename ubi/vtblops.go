package ubi

import (
	"fmt"

	"github.com/mtdutils/go-mtdutils/util"
)

// RemoveVolume deletes a volume from the volume table and re-serializes
// the table into both layout PEBs with an incremented LEB version. The
// volume's data PEBs stay in place; without a table record they no
// longer surface as a volume.
func RemoveVolume(f util.File, size int64, g *Geometry, volID uint32, rep Reporter) error {
	return mutateVtbl(f, size, g, rep, func(recs []*VtblRecord) error {
		if int(volID) >= len(recs) || recs[volID] == nil {
			return &UsageError{Msg: fmt.Sprintf("no volume %d in the volume table", volID)}
		}
		recs[volID] = nil
		return nil
	})
}

// ResizeVolume changes the reserved-PEB count of a volume by rewriting
// the volume table the same way RemoveVolume does.
func ResizeVolume(f util.File, size int64, g *Geometry, volID uint32, reservedPEBs int, rep Reporter) error {
	if reservedPEBs <= 0 {
		return &UsageError{Msg: fmt.Sprintf("bad reserved-PEB count %d", reservedPEBs)}
	}
	return mutateVtbl(f, size, g, rep, func(recs []*VtblRecord) error {
		if int(volID) >= len(recs) || recs[volID] == nil {
			return &UsageError{Msg: fmt.Sprintf("no volume %d in the volume table", volID)}
		}
		rec := *recs[volID]
		rec.ReservedPEBs = uint32(reservedPEBs)
		recs[volID] = &rec
		return nil
	})
}

func mutateVtbl(f util.File, size int64, g *Geometry, rep Reporter, mutate func([]*VtblRecord) error) error {
	res, err := Scan(f, size, g, rep)
	if err != nil {
		return err
	}

	recs := make([]*VtblRecord, len(res.Records))
	copy(recs, res.Records)
	if err := mutate(recs); err != nil {
		return err
	}

	tbl := make([]byte, g.LEBSize)
	for i, rec := range recs {
		if rec == nil {
			continue
		}
		copy(tbl[i*VtblRecordSize:], rec.toBytes())
	}

	var lebVer uint32
	pebs := [LayoutVolumeEBs]int{0, 1}
	ecs := [LayoutVolumeEBs]uint64{0, 0}
	var imageSeq uint32
	for lnum := 0; lnum < LayoutVolumeEBs; lnum++ {
		e := res.Active(LayoutVolumeID, lnum)
		if e == nil {
			continue
		}
		if e.VID.LEBVer >= lebVer {
			lebVer = e.VID.LEBVer + 1
		}
		pebs[lnum] = e.PEB
		ecs[lnum] = e.EC.EC + 1
		imageSeq = e.EC.ImageSeq
	}

	seq := NewSequence(res.MaxSqnum + 1)
	return g.writeLayoutVolume(f, pebs[0], pebs[1], ecs[0], ecs[1], imageSeq, tbl, lebVer, seq)
}
