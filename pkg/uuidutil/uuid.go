package uuidutil

import (
	"encoding/binary"

	uuid "github.com/hashicorp/go-uuid"
)

// NewGeneration returns a fresh random 64-bit generation identifier. The
// lowest bit is left clear; callers set it to mark a primary's dirty data.
// Panics if the random source fails (system-level error, no recovery).
func NewGeneration() uint64 {
	b, err := uuid.GenerateRandomBytes(8)
	if err != nil {
		panic("replvol: random source failed: " + err.Error())
	}
	v := binary.LittleEndian.Uint64(b) &^ 1
	if v == 0 {
		// zero means "no UUID" in every slot
		v = 2
	}
	return v
}

// NewRequestID returns a random UUID string used to correlate admin requests in logs.
func NewRequestID() string {
	id, err := uuid.GenerateUUID()
	if err != nil {
		panic("replvol: random source failed: " + err.Error())
	}
	return id
}
