// Package corwire is the command transport's wire codec (spec.md §4.8 and
// §6): a length-prefixed frame around a one-byte command kind and a
// kind-specific body. Every command is a closed sum (spec.md §9), encoded
// and decoded through explicit field-by-field marshaling rather than a
// generic serialization library, since the layouts (varset/varstr/varbytes
// packed after fixed-width fields) are bespoke to this protocol and no
// dependency in the surrounding stack models them directly.
package corwire

// Kind is the one-byte command discriminator carried in every frame.
type Kind uint8

const (
	KindHandshake Kind = iota
	KindExecuteCompute
	KindCreateData
	KindLocalCopy
	KindRemoteCopySend
	KindRemoteCopyReceive
	KindMegaRemoteCopyReceive
	KindJobDone
	KindPrepareRewind
	KindTerminate
)

func (k Kind) String() string {
	switch k {
	case KindHandshake:
		return "handshake"
	case KindExecuteCompute:
		return "execute-compute"
	case KindCreateData:
		return "create-data"
	case KindLocalCopy:
		return "local-copy"
	case KindRemoteCopySend:
		return "remote-copy-send"
	case KindRemoteCopyReceive:
		return "remote-copy-receive"
	case KindMegaRemoteCopyReceive:
		return "mega-remote-copy-receive"
	case KindJobDone:
		return "job-done"
	case KindPrepareRewind:
		return "prepare-rewind"
	case KindTerminate:
		return "terminate"
	default:
		return "unknown"
	}
}

// Command is the closed sum of wire commands. Exactly one of the typed
// fields below is meaningful, selected by Kind.
type Command struct {
	Kind Kind

	Handshake          *Handshake
	ExecuteCompute     *ExecuteCompute
	CreateData         *CreateData
	LocalCopy          *LocalCopy
	RemoteCopySend     *RemoteCopySend
	RemoteCopyReceive  *RemoteCopyReceive
	MegaRemoteReceive  *MegaRemoteCopyReceive
	JobDone            *JobDone
	PrepareRewind      *PrepareRewind
	Terminate          *Terminate
}

type Handshake struct {
	WorkerID uint32
	IP       string
	Port     uint16
	Time     float64
}

type ExecuteCompute struct {
	JobID         uint64
	Name          string
	PhysReadIDs   []uint64
	PhysWriteIDs  []uint64
	Before        []uint64
	After         []uint64
	FutureID      uint64
	Sterile       bool
	Params        []byte
}

type CreateData struct {
	JobID      uint64
	Variable   string
	LogicalID  uint64
	PhysicalID uint64
	Before     []uint64
}

type LocalCopy struct {
	JobID    uint64
	FromPhys uint64
	ToPhys   uint64
	Before   []uint64
}

type RemoteCopySend struct {
	JobID         uint64
	ReceiveJobID  uint64
	FromPhys      uint64
	ToWorker      uint32
	ToIP          string
	ToPort        uint16
	Before        []uint64
}

type RemoteCopyReceive struct {
	JobID  uint64
	ToPhys uint64
	Before []uint64
}

// MegaRemoteCopyReceive coalesces several remote-copy-receive job ids into
// a single worker-graph vertex, per spec.md §4.11's mega-receive.
type MegaRemoteCopyReceive struct {
	JobID      uint64
	MemberIDs  []uint64
	ToPhys     []uint64
	Before     []uint64
}

type JobDone struct {
	JobID    uint64
	Final    bool
	RunNs    uint64
	WaitNs   uint64
	MaxAlloc uint64

	// ConnectionResets is the worker's data exchanger's cumulative
	// connection-loss counter (corexchange.Stats) at the time this job
	// finished, letting the controller notice command loss without a
	// dedicated stats round trip.
	ConnectionResets uint64
}

type PrepareRewind struct {
	WorkerID     uint32
	CheckpointID uint64
}

type Terminate struct {
	ExitStatus int32
}
