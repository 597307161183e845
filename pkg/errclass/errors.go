package errclass

import (
	"errors"
	"fmt"

	"github.com/jvs-project/replvol/pkg/model"
)

// Error is a stable, machine-readable error class. Num is the numeric result
// code carried in admin replies.
type Error struct {
	Code    string
	Num     int
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && e.Code == t.Code
}

// WithMessage returns a new Error with the same class but a specific message.
func (e *Error) WithMessage(msg string) *Error {
	return &Error{Code: e.Code, Num: e.Num, Message: msg}
}

// WithMessagef returns a new Error with a formatted message.
func (e *Error) WithMessagef(format string, args ...any) *Error {
	return &Error{Code: e.Code, Num: e.Num, Message: fmt.Sprintf(format, args...)}
}

// NoError is the result code of a successful admin request.
const NoError = 101

// Admin result classes.
var (
	ErrLocalAddr          = &Error{Code: "E_LOCAL_ADDR", Num: 102}
	ErrPeerAddr           = &Error{Code: "E_PEER_ADDR", Num: 103}
	ErrOpenDisk           = &Error{Code: "E_OPEN_DISK", Num: 104}
	ErrOpenMDDisk         = &Error{Code: "E_OPEN_MD_DISK", Num: 105}
	ErrDiskNotBdev        = &Error{Code: "E_DISK_NOT_BDEV", Num: 107}
	ErrMDNotBdev          = &Error{Code: "E_MD_NOT_BDEV", Num: 108}
	ErrDiskTooSmall       = &Error{Code: "E_DISK_TOO_SMALL", Num: 111}
	ErrMDDiskTooSmall     = &Error{Code: "E_MD_DISK_TOO_SMALL", Num: 112}
	ErrBdClaimDisk        = &Error{Code: "E_BDCLAIM_DISK", Num: 114}
	ErrBdClaimMDDisk      = &Error{Code: "E_BDCLAIM_MD_DISK", Num: 115}
	ErrMDIdxInvalid       = &Error{Code: "E_MD_IDX_INVALID", Num: 116}
	ErrIOMDDisk           = &Error{Code: "E_IO_MD_DISK", Num: 118}
	ErrMDInvalid          = &Error{Code: "E_MD_INVALID", Num: 119}
	ErrAuthAlg            = &Error{Code: "E_AUTH_ALG", Num: 120}
	ErrAuthAlgND          = &Error{Code: "E_AUTH_ALG_ND", Num: 121}
	ErrNoMem              = &Error{Code: "E_NOMEM", Num: 122}
	ErrDiscard            = &Error{Code: "E_DISCARD", Num: 123}
	ErrDiskConfigured     = &Error{Code: "E_DISK_CONFIGURED", Num: 124}
	ErrNetConfigured      = &Error{Code: "E_NET_CONFIGURED", Num: 125}
	ErrMandatoryTag       = &Error{Code: "E_MANDATORY_TAG", Num: 126}
	ErrMinorInvalid       = &Error{Code: "E_MINOR_INVALID", Num: 127}
	ErrIntr               = &Error{Code: "E_INTR", Num: 129}
	ErrResizeResync       = &Error{Code: "E_RESIZE_RESYNC", Num: 130}
	ErrNoPrimary          = &Error{Code: "E_NO_PRIMARY", Num: 131}
	ErrSyncAfter          = &Error{Code: "E_SYNC_AFTER", Num: 132}
	ErrSyncAfterCycle     = &Error{Code: "E_SYNC_AFTER_CYCLE", Num: 133}
	ErrPauseIsSet         = &Error{Code: "E_PAUSE_IS_SET", Num: 134}
	ErrPauseIsClear       = &Error{Code: "E_PAUSE_IS_CLEAR", Num: 135}
	ErrNoDisk             = &Error{Code: "E_NO_DISK", Num: 138}
	ErrNotProtoC          = &Error{Code: "E_NOT_PROTO_C", Num: 139}
	ErrNoMemBitmap        = &Error{Code: "E_NOMEM_BITMAP", Num: 140}
	ErrIntegrityAlg       = &Error{Code: "E_INTEGRITY_ALG", Num: 141}
	ErrIntegrityAlgND     = &Error{Code: "E_INTEGRITY_ALG_ND", Num: 142}
	ErrCPUMaskParse       = &Error{Code: "E_CPU_MASK_PARSE", Num: 143}
	ErrCsumsAlg           = &Error{Code: "E_CSUMS_ALG", Num: 144}
	ErrCsumsAlgND         = &Error{Code: "E_CSUMS_ALG_ND", Num: 145}
	ErrVerifyAlg          = &Error{Code: "E_VERIFY_ALG", Num: 146}
	ErrVerifyAlgND        = &Error{Code: "E_VERIFY_ALG_ND", Num: 147}
	ErrCsumsResyncRunning = &Error{Code: "E_CSUMS_RESYNC_RUNNING", Num: 148}
	ErrVerifyRunning      = &Error{Code: "E_VERIFY_RUNNING", Num: 149}
	ErrDataNotCurrent     = &Error{Code: "E_DATA_NOT_CURRENT", Num: 150}
	ErrConnected          = &Error{Code: "E_CONNECTED", Num: 151}
	ErrPerm               = &Error{Code: "E_PERM", Num: 152}
	ErrNeedAPV93          = &Error{Code: "E_NEED_APV_93", Num: 153}
	ErrStonithAndProtA    = &Error{Code: "E_STONITH_AND_PROT_A", Num: 154}
	ErrCongNotProtoA      = &Error{Code: "E_CONG_NOT_PROTO_A", Num: 155}
	ErrPicAfterDep        = &Error{Code: "E_PIC_AFTER_DEP", Num: 156}
	ErrPicPeerDep         = &Error{Code: "E_PIC_PEER_DEP", Num: 157}
	ErrConnNotKnown       = &Error{Code: "E_CONN_NOT_KNOWN", Num: 158}
	ErrConnInUse          = &Error{Code: "E_CONN_IN_USE", Num: 159}
	ErrMinorConfigured    = &Error{Code: "E_MINOR_CONFIGURED", Num: 160}
	ErrMinorExists        = &Error{Code: "E_MINOR_EXISTS", Num: 161}
	ErrInvalidRequest     = &Error{Code: "E_INVALID_REQUEST", Num: 162}
	ErrNeedAPV100         = &Error{Code: "E_NEED_APV_100", Num: 163}
	ErrActLogInUse        = &Error{Code: "E_ACT_LOG_IN_USE", Num: 164}
	ErrNameInvalid        = &Error{Code: "E_NAME_INVALID", Num: 165}
)

// FromState converts a rejected state change into an error carrying the
// result as its numeric code. Successful results yield nil.
func FromState(rv model.StateResult) error {
	if rv.Succeeded() {
		return nil
	}
	return &Error{
		Code:    fmt.Sprintf("E_STATE_%d", -int(rv)),
		Num:     int(rv),
		Message: rv.String(),
	}
}

// StateResultOf extracts the state result carried by err, if any.
func StateResultOf(err error) (model.StateResult, bool) {
	var e *Error
	if !errors.As(err, &e) || e.Num > int(model.SSCWNoNeed) {
		return 0, false
	}
	return model.StateResult(e.Num), true
}
