package fence

import (
	"fmt"

	"github.com/jvs-project/replvol/pkg/model"
)

// Outcome is the meaning of a fence-peer helper exit status.
type Outcome int

const (
	// Broken means the helper returned something it should not.
	Broken Outcome = iota
	PeerInconsistent
	PeerOutdated
	PeerUnreachable
	PeerPrimary
	PeerStonithed
)

var outcomeNames = [...]string{
	Broken:           "broken",
	PeerInconsistent: "peer-inconsistent",
	PeerOutdated:     "peer-outdated",
	PeerUnreachable:  "peer-unreachable",
	PeerPrimary:      "peer-primary",
	PeerStonithed:    "peer-stonithed",
}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
	return outcomeNames[o]
}

// Classify maps the low byte of a helper exit status to an outcome.
func Classify(exit int) Outcome {
	switch exit & 0xff {
	case 3:
		return PeerInconsistent
	case 4:
		return PeerOutdated
	case 5:
		return PeerUnreachable
	case 6:
		return PeerPrimary
	case 7:
		return PeerStonithed
	}
	return Broken
}

// Delta returns the state change an outcome calls for. highestDisk is the
// best local disk state over the connection's volumes. ok is false for a
// broken helper, which must not change any state.
func (o Outcome) Delta(highestDisk model.DiskState) (d model.Delta, ok bool) {
	d = model.NewDelta().WithSuspFen(false)
	switch o {
	case PeerInconsistent:
		return d.WithPDsk(model.DiskInconsistent), true
	case PeerOutdated, PeerStonithed:
		return d.WithPDsk(model.DiskOutdated), true
	case PeerUnreachable:
		// Only an UpToDate node may assume the peer is gone; a new
		// generation UUID tells the histories apart later.
		if highestDisk == model.DiskUpToDate {
			return d.WithPDsk(model.DiskOutdated), true
		}
		return d, true
	case PeerPrimary:
		return d.WithDisk(model.DiskOutdated), true
	}
	return model.Delta{}, false
}

// Describe is the operator text for an outcome.
func (o Outcome) Describe(highestDisk model.DiskState) string {
	switch o {
	case PeerInconsistent:
		return "peer is inconsistent or worse"
	case PeerOutdated:
		return "peer is outdated"
	case PeerUnreachable:
		if highestDisk == model.DiskUpToDate {
			return "peer is unreachable, assumed to be dead"
		}
		return "peer unreachable, doing nothing since disk != UpToDate"
	case PeerPrimary:
		return "peer is active"
	case PeerStonithed:
		return "peer was stonithed"
	}
	return "unknown helper exit code"
}
