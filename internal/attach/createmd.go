package attach

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/jvs-project/replvol/internal/actlog"
	"github.com/jvs-project/replvol/internal/backing"
	"github.com/jvs-project/replvol/internal/metadata"
	"github.com/jvs-project/replvol/pkg/model"
)

type createHolder struct{}

// CreateMD writes fresh metadata for a volume backed by backingPath. An
// empty metaPath with an internal index places it on the backing device.
func CreateMD(opener backing.Opener, backingPath, metaPath string, idx, alExtents int) (err error) {
	if idx < model.MetaIndexFlexInternal {
		return fmt.Errorf("invalid meta-disk index %d", idx)
	}
	if metaPath == "" {
		if !model.MetaIndexIsInternal(idx) {
			return fmt.Errorf("meta-disk index %d needs a meta device", idx)
		}
		metaPath = backingPath
	}

	var h createHolder
	bdev, err := opener.Open(backingPath, h)
	if err != nil {
		return fmt.Errorf("open backing device: %w", err)
	}
	defer func() {
		if cerr := bdev.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()
	mdev, err := opener.Open(metaPath, h)
	if err != nil {
		return fmt.Errorf("open meta device: %w", err)
	}
	defer func() {
		if cerr := mdev.Close(); cerr != nil {
			err = multierror.Append(err, cerr)
		}
	}()

	if need := metadata.MinMetaSectors(idx); mdev.Capacity() < need {
		return fmt.Errorf("meta device too small: %d sectors, need %d", mdev.Capacity(), need)
	}

	g := metadata.ComputeGeometry(idx, bdev.Capacity(), mdev.Capacity())
	if alExtents == 0 {
		alExtents = model.DefaultDiskConf().ALExtents
	}
	if err := actlog.New(alExtents).WriteTo(mdev, g.ALByteOffset()); err != nil {
		return err
	}
	if err := metadata.Write(mdev, g, metadata.NewRecord(g, alExtents)); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return mdev.Sync()
}
