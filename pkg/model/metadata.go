package model

import "strings"

// MDFlags are the persistent metadata flag bits.
type MDFlags uint32

const (
	MDFConsistent MDFlags = 1 << iota
	MDFPrimaryInd
	MDFConnectedInd
	MDFFullSync
	MDFWasUpToDate
	MDFPeerOutdated
	MDFCrashedPrimary
)

var mdFlagNames = []struct {
	f MDFlags
	n string
}{
	{MDFConsistent, "consistent"},
	{MDFPrimaryInd, "primary-ind"},
	{MDFConnectedInd, "connected-ind"},
	{MDFFullSync, "full-sync"},
	{MDFWasUpToDate, "was-up-to-date"},
	{MDFPeerOutdated, "peer-outdated"},
	{MDFCrashedPrimary, "crashed-primary"},
}

func (f MDFlags) Has(b MDFlags) bool { return f&b != 0 }

func (f MDFlags) String() string {
	var parts []string
	for _, e := range mdFlagNames {
		if f&e.f != 0 {
			parts = append(parts, e.n)
		}
	}
	return strings.Join(parts, ",")
}

// Generation UUID slots.
const (
	UICurrent = iota
	UIBitmap
	UIHistoryStart
	UIHistoryEnd
	UISize
)

// UUIDJustCreated is the current UUID of freshly created metadata.
const UUIDJustCreated uint64 = 4

// Sector geometry. One sector is 512 bytes.
const (
	SectorShift = 9
	SectorSize  = 1 << SectorShift
)
