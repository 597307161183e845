package admin

import (
	"errors"

	"github.com/jvs-project/replvol/internal/confstore"
	"github.com/jvs-project/replvol/pkg/errclass"
	"github.com/jvs-project/replvol/pkg/model"
)

// Opcode names an administrative command.
type Opcode string

const (
	OpNewConnection  Opcode = "new-connection"
	OpDelConnection  Opcode = "del-connection"
	OpNewMinor       Opcode = "new-minor"
	OpDelMinor       Opcode = "del-minor"
	OpDown           Opcode = "down"
	OpPrimary        Opcode = "primary"
	OpSecondary      Opcode = "secondary"
	OpAttach         Opcode = "attach"
	OpDetach         Opcode = "detach"
	OpDiskOpts       Opcode = "disk-options"
	OpConnect        Opcode = "connect"
	OpNetOpts        Opcode = "net-options"
	OpDisconnect     Opcode = "disconnect"
	OpResize         Opcode = "resize"
	OpResourceOpts   Opcode = "resource-options"
	OpInvalidate     Opcode = "invalidate"
	OpInvalidatePeer Opcode = "invalidate-remote"
	OpPauseSync      Opcode = "pause-sync"
	OpResumeSync     Opcode = "resume-sync"
	OpSuspendIO      Opcode = "suspend-io"
	OpResumeIO       Opcode = "resume-io"
	OpOutdate        Opcode = "outdate"
	OpStartVerify    Opcode = "verify"
	OpNewCurrentUUID Opcode = "new-current-uuid"
	OpGetStatus      Opcode = "status"
	OpGetTimeoutType Opcode = "get-timeout-type"
)

// NoMinor and NoVolume mark a request that does not name a minor or a
// volume number.
const (
	NoMinor  = -1
	NoVolume = -1
)

// Request is one administrative command.
type Request struct {
	Op     Opcode `json:"op"`
	Minor  int    `json:"minor"`
	Conn   string `json:"conn,omitempty"`
	Volume int    `json:"volume"`
	// Exclusive fails creation requests whose target already exists.
	Exclusive bool `json:"exclusive,omitempty"`
	// SetDefaults resets options not given in Attrs to their defaults.
	SetDefaults bool            `json:"set_defaults,omitempty"`
	Attrs       confstore.Attrs `json:"attrs,omitempty"`
}

// NewRequest returns a request for op that names neither a minor nor a
// volume.
func NewRequest(op Opcode) *Request {
	return &Request{Op: op, Minor: NoMinor, Volume: NoVolume}
}

// Exit statuses of a reply.
const (
	ExitOK            = 0
	ExitError         = 10
	ExitStateRejected = 11
	ExitOther         = 20
)

// Reply is the answer to a Request. Code is errclass.NoError on success,
// the state result for state changes that were refused or had nothing to
// do, and the error class number otherwise.
type Reply struct {
	Op          Opcode  `json:"op"`
	RequestID   string  `json:"request_id"`
	Minor       int     `json:"minor"`
	Conn        string  `json:"conn,omitempty"`
	Code        int     `json:"code"`
	Name        string  `json:"name"`
	Info        string  `json:"info,omitempty"`
	Exit        int     `json:"exit"`
	Status      *Status `json:"status,omitempty"`
	TimeoutType string  `json:"timeout_type,omitempty"`
}

// OK reports whether the request succeeded or had nothing to do.
func (r *Reply) OK() bool { return r.Exit == ExitOK }

var errNothingToDo = &errclass.Error{
	Code:    "SS_NOTHING_TO_DO",
	Num:     int(model.SSNothingToDo),
	Message: model.SSNothingToDo.String(),
}

// stateErr converts a state result into the error a handler returns.
func stateErr(rv model.StateResult) error {
	if rv == model.SSNothingToDo {
		return errNothingToDo
	}
	return errclass.FromState(rv)
}

func (r *Reply) setResult(err error) {
	if err == nil {
		r.Code, r.Name, r.Exit = errclass.NoError, "OK", ExitOK
		return
	}
	r.Info = err.Error()

	var e *errclass.Error
	if !errors.As(err, &e) {
		r.Code, r.Name, r.Exit = int(model.SSUnknownError), "E_UNKNOWN", ExitOther
		return
	}
	r.Code, r.Name = e.Num, e.Code
	switch {
	case e.Num == int(model.SSNothingToDo):
		r.Exit = ExitOK
	case e.Num <= int(model.SSUnknownError):
		r.Exit = ExitStateRejected
	default:
		r.Exit = ExitError
	}
}
