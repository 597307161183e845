package model

import "fmt"

// StateResult is the outcome of a state change request. Values at or above
// Success are successes; everything below is a typed rejection.
type StateResult int

const (
	SSCWNoNeed           StateResult = 4
	SSCWSuccess          StateResult = 3
	SSNothingToDo        StateResult = 2
	SSSuccess            StateResult = 1
	SSUnknownError       StateResult = 0
	SSTwoPrimaries       StateResult = -1
	SSNoUpToDateDisk     StateResult = -2
	SSNoLocalDisk        StateResult = -4
	SSNoRemoteDisk       StateResult = -5
	SSConnectedOutdates  StateResult = -6
	SSPrimaryNop         StateResult = -7
	SSResyncRunning      StateResult = -8
	SSAlreadyStandAlone  StateResult = -9
	SSCWFailedByPeer     StateResult = -10
	SSIsDiskless         StateResult = -11
	SSDeviceInUse        StateResult = -12
	SSNoNetConfig        StateResult = -13
	SSNoVerifyAlg        StateResult = -14
	SSNeedConnection     StateResult = -15
	SSLowerThanOutdated  StateResult = -16
	SSNotSupported       StateResult = -17
	SSInTransientState   StateResult = -18
	SSConcurrentStChg    StateResult = -19
	SSOVolPeerPri        StateResult = -20
	SSOutdateWithoutConn StateResult = -21
)

var resultText = map[StateResult]string{
	SSCWNoNeed:           "cluster-wide state change not needed",
	SSCWSuccess:          "cluster-wide state change succeeded",
	SSNothingToDo:        "nothing to do",
	SSSuccess:            "success",
	SSUnknownError:       "unknown error",
	SSTwoPrimaries:       "multiple primaries not allowed by config",
	SSNoUpToDateDisk:     "need access to UpToDate data",
	SSNoLocalDisk:        "can not resync without local disk",
	SSNoRemoteDisk:       "can not resync without remote disk",
	SSConnectedOutdates:  "refusing to be Outdated while connected",
	SSPrimaryNop:         "refusing to be Primary while peer is not outdated",
	SSResyncRunning:      "can not start OV/resync since it is already active",
	SSAlreadyStandAlone:  "can not disconnect a StandAlone device",
	SSCWFailedByPeer:     "state change was refused by peer node",
	SSIsDiskless:         "device is diskless, the requested operation requires a disk",
	SSDeviceInUse:        "device is held open by someone",
	SSNoNetConfig:        "have no net/connection configuration",
	SSNoVerifyAlg:        "need a verify algorithm to start online verify",
	SSNeedConnection:     "need a connection to start verify or resync",
	SSLowerThanOutdated:  "disk state is lower than outdated",
	SSNotSupported:       "peer does not support protocol",
	SSInTransientState:   "in transient state, retry after next state change",
	SSConcurrentStChg:    "concurrent state changes detected and aborted",
	SSOVolPeerPri:        "other volume of this connection has a Primary peer",
	SSOutdateWithoutConn: "need a connection for a graceful disconnect/outdate peer",
}

// Succeeded reports whether r is one of the success codes.
func (r StateResult) Succeeded() bool { return r >= SSSuccess }

func (r StateResult) String() string {
	if t, ok := resultText[r]; ok {
		return t
	}
	return fmt.Sprintf("state result %d", int(r))
}
