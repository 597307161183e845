package model

// Congestion reactions for protocol A links.
const (
	OnCongestionBlock      = "block"
	OnCongestionPullAhead  = "pull-ahead"
	OnCongestionDisconnect = "disconnect"
)

// Local I/O error reactions.
const (
	OnIOErrorPassOn    = "pass_on"
	OnIOErrorCallLocal = "call-local-io-error"
	OnIOErrorDetach    = "detach"
)

// Reactions when no up-to-date data is reachable.
const (
	OnNoDataIOError   = "io-error"
	OnNoDataSuspendIO = "suspend-io"
)

// Limits for tunables.
const (
	SharedSecretMax = 64
	ALExtentsMin    = 7
	ALExtentsMax    = 6433
	ResyncRateMin   = 1
	MaxVolumes      = 256
)

// NetConf holds the network parameters of one connection.
type NetConf struct {
	MyAddr       string       `yaml:"my-addr" json:"my_addr"`
	PeerAddr     string       `yaml:"peer-addr" json:"peer_addr"`
	Protocol     WireProtocol `yaml:"protocol" json:"protocol"`
	SharedSecret string       `yaml:"shared-secret" json:"-"`
	CramHMACAlg  string       `yaml:"cram-hmac-alg" json:"cram_hmac_alg,omitempty"`
	IntegrityAlg string       `yaml:"data-integrity-alg" json:"data_integrity_alg,omitempty"`
	VerifyAlg    string       `yaml:"verify-alg" json:"verify_alg,omitempty"`
	CsumsAlg     string       `yaml:"csums-alg" json:"csums_alg,omitempty"`

	Timeout      int `yaml:"timeout" json:"timeout"`           // tenths of a second
	PingInt      int `yaml:"ping-int" json:"ping_int"`         // seconds
	PingTimeo    int `yaml:"ping-timeout" json:"ping_timeout"` // tenths of a second
	ConnectInt   int `yaml:"connect-int" json:"connect_int"`   // seconds
	SndBufSize   int `yaml:"sndbuf-size" json:"sndbuf_size"`
	RcvBufSize   int `yaml:"rcvbuf-size" json:"rcvbuf_size"`
	KoCount      int `yaml:"ko-count" json:"ko_count"`
	MaxBuffers   int `yaml:"max-buffers" json:"max_buffers"`
	MaxEpochSize int `yaml:"max-epoch-size" json:"max_epoch_size"`

	AfterSB0P    string `yaml:"after-sb-0pri" json:"after_sb_0pri"`
	AfterSB1P    string `yaml:"after-sb-1pri" json:"after_sb_1pri"`
	AfterSB2P    string `yaml:"after-sb-2pri" json:"after_sb_2pri"`
	RRConflict   string `yaml:"rr-conflict" json:"rr_conflict"`
	OnCongestion string `yaml:"on-congestion" json:"on_congestion"`
	CongFill     uint64 `yaml:"congestion-fill" json:"congestion_fill"`
	CongExtents  int    `yaml:"congestion-extents" json:"congestion_extents"`

	TwoPrimaries  bool `yaml:"allow-two-primaries" json:"allow_two_primaries"`
	DiscardMyData bool `yaml:"discard-my-data" json:"discard_my_data"`
	AlwaysASBP    bool `yaml:"always-asbp" json:"always_asbp"`
	UseRLE        bool `yaml:"use-rle" json:"use_rle"`
	NoCork        bool `yaml:"no-cork" json:"no_cork"`
}

// NetInvariants names the network attributes that may only be set when a
// connection is first configured.
var NetInvariants = []string{"my-addr", "peer-addr"}

// DefaultNetConf returns the network defaults.
func DefaultNetConf() NetConf {
	return NetConf{
		Protocol:     ProtocolC,
		Timeout:      60,
		PingInt:      10,
		PingTimeo:    5,
		ConnectInt:   10,
		KoCount:      7,
		MaxBuffers:   2048,
		MaxEpochSize: 2048,
		AfterSB0P:    "disconnect",
		AfterSB1P:    "disconnect",
		AfterSB2P:    "disconnect",
		RRConflict:   "disconnect",
		OnCongestion: OnCongestionBlock,
		CongExtents:  1237,
		UseRLE:       true,
	}
}

// Clone returns a deep copy.
func (n *NetConf) Clone() *NetConf {
	c := *n
	return &c
}

// DiskConf holds the local disk parameters of one volume.
type DiskConf struct {
	BackingDev string        `yaml:"disk" json:"disk"`
	MetaDev    string        `yaml:"meta-disk" json:"meta_disk"`
	MetaDevIdx int           `yaml:"meta-disk-index" json:"meta_disk_index"`
	DiskSize   uint64        `yaml:"size" json:"size"` // sectors, 0 means whatever the device offers
	OnIOError  string        `yaml:"on-io-error" json:"on_io_error"`
	Fencing    FencingPolicy `yaml:"fencing" json:"fencing"`

	ResyncRate   int `yaml:"resync-rate" json:"resync_rate"` // KiB/s
	ResyncAfter  int `yaml:"resync-after" json:"resync_after"`
	ALExtents    int `yaml:"al-extents" json:"al_extents"`
	CPlanAhead   int `yaml:"c-plan-ahead" json:"c_plan_ahead"`
	CDelayTarget int `yaml:"c-delay-target" json:"c_delay_target"`
	CFillTarget  int `yaml:"c-fill-target" json:"c_fill_target"`
	CMaxRate     int `yaml:"c-max-rate" json:"c_max_rate"`
	CMinRate     int `yaml:"c-min-rate" json:"c_min_rate"`

	NoDiskBarrier bool `yaml:"disk-barrier-off" json:"disk_barrier_off"`
	NoDiskFlush   bool `yaml:"disk-flushes-off" json:"disk_flushes_off"`
	NoDiskDrain   bool `yaml:"disk-drain-off" json:"disk_drain_off"`
	NoMDFlush     bool `yaml:"md-flushes-off" json:"md_flushes_off"`
}

// DiskInvariants names the disk attributes that may only be set on attach.
var DiskInvariants = []string{"disk", "meta-disk", "meta-disk-index"}

// DefaultDiskConf returns the disk defaults.
func DefaultDiskConf() DiskConf {
	return DiskConf{
		MetaDevIdx:   MetaIndexInternal,
		OnIOError:    OnIOErrorDetach,
		Fencing:      FencingDontCare,
		ResyncRate:   250,
		ResyncAfter:  -1,
		ALExtents:    1237,
		CPlanAhead:   20,
		CDelayTarget: 10,
		CFillTarget:  100,
		CMaxRate:     102400,
		CMinRate:     250,
	}
}

// Clone returns a deep copy.
func (d *DiskConf) Clone() *DiskConf {
	c := *d
	return &c
}

// ResOpts holds per-connection resource options.
type ResOpts struct {
	CPUMask  string `yaml:"cpu-mask" json:"cpu_mask"`
	OnNoData string `yaml:"on-no-data-accessible" json:"on_no_data_accessible"`
}

// DefaultResOpts returns the resource option defaults.
func DefaultResOpts() ResOpts {
	return ResOpts{OnNoData: OnNoDataIOError}
}

// Clone returns a deep copy.
func (r *ResOpts) Clone() *ResOpts {
	c := *r
	return &c
}
