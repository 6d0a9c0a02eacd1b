package codec

// Status is carried by every response message.
type Status uint8

const (
	StatusOK Status = iota
	StatusError
)

// RaftError is the enum of translated, client-safe error codes. Handlers
// never leak raw I/O or internal errors across the wire -- they translate
// to one of these.
type RaftError uint8

const (
	ErrNone RaftError = iota
	ErrNoLeader
	ErrIllegalMemberState
	ErrCommandError
	ErrApplicationError
	ErrInternalError
	ErrUnknownSession
)

func (e RaftError) String() string {
	switch e {
	case ErrNone:
		return "NONE"
	case ErrNoLeader:
		return "NO_LEADER"
	case ErrIllegalMemberState:
		return "ILLEGAL_MEMBER_STATE"
	case ErrCommandError:
		return "COMMAND_ERROR"
	case ErrApplicationError:
		return "APPLICATION_ERROR"
	case ErrInternalError:
		return "INTERNAL_ERROR"
	case ErrUnknownSession:
		return "UNKNOWN_SESSION"
	default:
		return "UNKNOWN"
	}
}

// Wire message type ids, continuing the entry type-id space.
const (
	TypeAppendRequest TypeID = iota + 32
	TypeAppendResponse
	TypeVoteRequest
	TypeVoteResponse
	TypePollRequest
	TypePollResponse
	TypeCommandRequest
	TypeCommandResponse
	TypeQueryRequest
	TypeQueryResponse
	TypeRegisterRequest
	TypeRegisterResponse
	TypeKeepAliveRequest
	TypeKeepAliveResponse
	TypeJoinRequest
	TypeJoinResponse
	TypeLeaveRequest
	TypeLeaveResponse
	TypePromoteRequest
	TypePromoteResponse
	TypeDemoteRequest
	TypeDemoteResponse
	TypeInstallSnapshotRequest
	TypeInstallSnapshotResponse
)

// AppendRequest replicates a batch of entries (possibly empty, as a
// heartbeat) from the leader to a follower.
type AppendRequest struct {
	Term         uint64
	Leader       Address
	PrevLogIndex uint64
	PrevLogTerm  uint64
	Entries      []Entry
	CommitIndex  uint64
	GlobalIndex  uint64
}

func (m *AppendRequest) TypeID() TypeID { return TypeAppendRequest }

// AppendResponse reports the follower's acceptance or a conflict hint used
// to fast-rewind the leader's nextIndex.
type AppendResponse struct {
	Status        Status
	Term          uint64
	Success       bool
	ConflictIndex uint64
	ConflictTerm  int64 // -1 when unknown
	LogIndex      uint64
}

func (m *AppendResponse) TypeID() TypeID { return TypeAppendResponse }

// VoteRequest is a candidate's request for a peer's vote.
type VoteRequest struct {
	Term         uint64
	Candidate    Address
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *VoteRequest) TypeID() TypeID { return TypeVoteRequest }

// VoteResponse is a peer's answer to a VoteRequest.
type VoteResponse struct {
	Status      Status
	Term        uint64
	VoteGranted bool
	Voter       Address
}

func (m *VoteResponse) TypeID() TypeID { return TypeVoteResponse }

// PollRequest probes whether a peer would grant a vote, without
// incrementing the candidate's term (pre-vote).
type PollRequest struct {
	Term         uint64
	Candidate    Address
	LastLogIndex uint64
	LastLogTerm  uint64
}

func (m *PollRequest) TypeID() TypeID { return TypePollRequest }

// PollResponse answers a PollRequest.
type PollResponse struct {
	Status   Status
	Term     uint64
	Accepted bool
}

func (m *PollResponse) TypeID() TypeID { return TypePollResponse }

// CommandRequest submits a state-mutating client operation.
type CommandRequest struct {
	Session uint64
	Request uint64
	Command []byte
}

func (m *CommandRequest) TypeID() TypeID { return TypeCommandRequest }

// CommandResponse carries the result of a CommandRequest, or an error.
type CommandResponse struct {
	Status   Status
	Error    RaftError
	Index    uint64
	Response []byte
}

func (m *CommandResponse) TypeID() TypeID { return TypeCommandResponse }

// QueryRequest submits a read-only client operation at a consistency mode.
type QueryRequest struct {
	Session    uint64
	Query      []byte
	Consistency uint8
}

func (m *QueryRequest) TypeID() TypeID { return TypeQueryRequest }

// QueryResponse carries the result of a QueryRequest, or an error.
type QueryResponse struct {
	Status   Status
	Error    RaftError
	Version  uint64
	Response []byte
}

func (m *QueryResponse) TypeID() TypeID { return TypeQueryResponse }

// RegisterRequest opens a new client session.
type RegisterRequest struct {
	Client Address
}

func (m *RegisterRequest) TypeID() TypeID { return TypeRegisterRequest }

// RegisterResponse returns the new session id and a snapshot of membership.
type RegisterResponse struct {
	Status  Status
	Error   RaftError
	Session uint64
	Leader  Address
	Members []Address
}

func (m *RegisterResponse) TypeID() TypeID { return TypeRegisterResponse }

// KeepAliveRequest refreshes a session's liveness.
type KeepAliveRequest struct {
	Session uint64
}

func (m *KeepAliveRequest) TypeID() TypeID { return TypeKeepAliveRequest }

// KeepAliveResponse acknowledges a KeepAliveRequest.
type KeepAliveResponse struct {
	Status Status
	Error  RaftError
	Leader Address
}

func (m *KeepAliveResponse) TypeID() TypeID { return TypeKeepAliveResponse }

// JoinRequest asks the cluster to admit a new passive member.
type JoinRequest struct {
	Member Address
}

func (m *JoinRequest) TypeID() TypeID { return TypeJoinRequest }

// JoinResponse reports the outcome of a JoinRequest.
type JoinResponse struct {
	Status  Status
	Error   RaftError
	Active  []Address
	Passive []Address
}

func (m *JoinResponse) TypeID() TypeID { return TypeJoinResponse }

// LeaveRequest asks the cluster to remove a member.
type LeaveRequest struct {
	Member Address
}

func (m *LeaveRequest) TypeID() TypeID { return TypeLeaveRequest }

// LeaveResponse reports the outcome of a LeaveRequest.
type LeaveResponse struct {
	Status Status
	Error  RaftError
}

func (m *LeaveResponse) TypeID() TypeID { return TypeLeaveResponse }

// PromoteRequest asks for a passive member to become active (voting).
type PromoteRequest struct {
	Member Address
}

func (m *PromoteRequest) TypeID() TypeID { return TypePromoteRequest }

// PromoteResponse reports the outcome of a PromoteRequest.
type PromoteResponse struct {
	Status Status
	Error  RaftError
}

func (m *PromoteResponse) TypeID() TypeID { return TypePromoteResponse }

// DemoteRequest asks for an active member to become passive.
type DemoteRequest struct {
	Member Address
}

func (m *DemoteRequest) TypeID() TypeID { return TypeDemoteRequest }

// DemoteResponse reports the outcome of a DemoteRequest.
type DemoteResponse struct {
	Status Status
	Error  RaftError
}

func (m *DemoteResponse) TypeID() TypeID { return TypeDemoteResponse }

// InstallSnapshotRequest ships a full FSM snapshot to a follower whose
// nextIndex has fallen below the leader's retained log prefix, so it can
// bootstrap its state machine and log without replaying entries the leader
// has already compacted away.
type InstallSnapshotRequest struct {
	Term              uint64
	Leader            Address
	LastIncludedIndex uint64
	LastIncludedTerm  uint64
	Data              []byte
}

func (m *InstallSnapshotRequest) TypeID() TypeID { return TypeInstallSnapshotRequest }

// InstallSnapshotResponse acknowledges an InstallSnapshotRequest.
type InstallSnapshotResponse struct {
	Status Status
	Term   uint64
}

func (m *InstallSnapshotResponse) TypeID() TypeID { return TypeInstallSnapshotResponse }

func writeEntries(w *Writer, entries []Entry) {
	w.WriteUint32(uint32(len(entries)))
	for _, e := range entries {
		body, _ := Encode(e)
		w.WriteBytes(body)
	}
}

func readEntries(r *Reader) []Entry {
	n := r.ReadUint32()
	if r.Err() != nil || n == 0 {
		return nil
	}
	out := make([]Entry, 0, n)
	for i := uint32(0); i < n; i++ {
		body := r.ReadBytes()
		if r.Err() != nil {
			return out
		}
		m, err := Decode(body)
		if err != nil {
			r.fail(err)
			return out
		}
		entry, ok := m.(Entry)
		if !ok {
			r.fail(errNotAnEntry)
			return out
		}
		out = append(out, entry)
	}
	return out
}

func init() {
	register(TypeAppendRequest, "AppendRequest",
		func(w *Writer, m Message) {
			e := m.(*AppendRequest)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Leader)
			w.WriteUint64(e.PrevLogIndex)
			w.WriteUint64(e.PrevLogTerm)
			writeEntries(w, e.Entries)
			w.WriteUint64(e.CommitIndex)
			w.WriteUint64(e.GlobalIndex)
		},
		func(r *Reader) (Message, error) {
			e := &AppendRequest{}
			e.Term = r.ReadUint64()
			e.Leader = readAddress(r)
			e.PrevLogIndex = r.ReadUint64()
			e.PrevLogTerm = r.ReadUint64()
			e.Entries = readEntries(r)
			e.CommitIndex = r.ReadUint64()
			e.GlobalIndex = r.ReadUint64()
			return e, r.Err()
		})

	register(TypeAppendResponse, "AppendResponse",
		func(w *Writer, m Message) {
			e := m.(*AppendResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint64(e.Term)
			w.WriteBool(e.Success)
			w.WriteUint64(e.ConflictIndex)
			w.WriteInt64(e.ConflictTerm)
			w.WriteUint64(e.LogIndex)
		},
		func(r *Reader) (Message, error) {
			e := &AppendResponse{}
			e.Status = Status(r.ReadUint8())
			e.Term = r.ReadUint64()
			e.Success = r.ReadBool()
			e.ConflictIndex = r.ReadUint64()
			e.ConflictTerm = r.ReadInt64()
			e.LogIndex = r.ReadUint64()
			return e, r.Err()
		})

	register(TypeVoteRequest, "VoteRequest",
		func(w *Writer, m Message) {
			e := m.(*VoteRequest)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Candidate)
			w.WriteUint64(e.LastLogIndex)
			w.WriteUint64(e.LastLogTerm)
		},
		func(r *Reader) (Message, error) {
			e := &VoteRequest{}
			e.Term = r.ReadUint64()
			e.Candidate = readAddress(r)
			e.LastLogIndex = r.ReadUint64()
			e.LastLogTerm = r.ReadUint64()
			return e, r.Err()
		})

	register(TypeVoteResponse, "VoteResponse",
		func(w *Writer, m Message) {
			e := m.(*VoteResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint64(e.Term)
			w.WriteBool(e.VoteGranted)
			writeAddress(w, e.Voter)
		},
		func(r *Reader) (Message, error) {
			e := &VoteResponse{}
			e.Status = Status(r.ReadUint8())
			e.Term = r.ReadUint64()
			e.VoteGranted = r.ReadBool()
			e.Voter = readAddress(r)
			return e, r.Err()
		})

	register(TypePollRequest, "PollRequest",
		func(w *Writer, m Message) {
			e := m.(*PollRequest)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Candidate)
			w.WriteUint64(e.LastLogIndex)
			w.WriteUint64(e.LastLogTerm)
		},
		func(r *Reader) (Message, error) {
			e := &PollRequest{}
			e.Term = r.ReadUint64()
			e.Candidate = readAddress(r)
			e.LastLogIndex = r.ReadUint64()
			e.LastLogTerm = r.ReadUint64()
			return e, r.Err()
		})

	register(TypePollResponse, "PollResponse",
		func(w *Writer, m Message) {
			e := m.(*PollResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint64(e.Term)
			w.WriteBool(e.Accepted)
		},
		func(r *Reader) (Message, error) {
			e := &PollResponse{}
			e.Status = Status(r.ReadUint8())
			e.Term = r.ReadUint64()
			e.Accepted = r.ReadBool()
			return e, r.Err()
		})

	register(TypeCommandRequest, "CommandRequest",
		func(w *Writer, m Message) {
			e := m.(*CommandRequest)
			w.WriteUint64(e.Session)
			w.WriteUint64(e.Request)
			w.WriteBytes(e.Command)
		},
		func(r *Reader) (Message, error) {
			e := &CommandRequest{}
			e.Session = r.ReadUint64()
			e.Request = r.ReadUint64()
			e.Command = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeCommandResponse, "CommandResponse",
		func(w *Writer, m Message) {
			e := m.(*CommandResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
			w.WriteUint64(e.Index)
			w.WriteBytes(e.Response)
		},
		func(r *Reader) (Message, error) {
			e := &CommandResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			e.Index = r.ReadUint64()
			e.Response = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeQueryRequest, "QueryRequest",
		func(w *Writer, m Message) {
			e := m.(*QueryRequest)
			w.WriteUint64(e.Session)
			w.WriteBytes(e.Query)
			w.WriteUint8(e.Consistency)
		},
		func(r *Reader) (Message, error) {
			e := &QueryRequest{}
			e.Session = r.ReadUint64()
			e.Query = r.ReadBytes()
			e.Consistency = r.ReadUint8()
			return e, r.Err()
		})

	register(TypeQueryResponse, "QueryResponse",
		func(w *Writer, m Message) {
			e := m.(*QueryResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
			w.WriteUint64(e.Version)
			w.WriteBytes(e.Response)
		},
		func(r *Reader) (Message, error) {
			e := &QueryResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			e.Version = r.ReadUint64()
			e.Response = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeRegisterRequest, "RegisterRequest",
		func(w *Writer, m Message) {
			e := m.(*RegisterRequest)
			writeAddress(w, e.Client)
		},
		func(r *Reader) (Message, error) {
			e := &RegisterRequest{}
			e.Client = readAddress(r)
			return e, r.Err()
		})

	register(TypeRegisterResponse, "RegisterResponse",
		func(w *Writer, m Message) {
			e := m.(*RegisterResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
			w.WriteUint64(e.Session)
			writeAddress(w, e.Leader)
			writeAddressSet(w, e.Members)
		},
		func(r *Reader) (Message, error) {
			e := &RegisterResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			e.Session = r.ReadUint64()
			e.Leader = readAddress(r)
			e.Members = readAddressSet(r)
			return e, r.Err()
		})

	register(TypeKeepAliveRequest, "KeepAliveRequest",
		func(w *Writer, m Message) {
			e := m.(*KeepAliveRequest)
			w.WriteUint64(e.Session)
		},
		func(r *Reader) (Message, error) {
			e := &KeepAliveRequest{}
			e.Session = r.ReadUint64()
			return e, r.Err()
		})

	register(TypeKeepAliveResponse, "KeepAliveResponse",
		func(w *Writer, m Message) {
			e := m.(*KeepAliveResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
			writeAddress(w, e.Leader)
		},
		func(r *Reader) (Message, error) {
			e := &KeepAliveResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			e.Leader = readAddress(r)
			return e, r.Err()
		})

	register(TypeJoinRequest, "JoinRequest",
		func(w *Writer, m Message) { writeAddress(w, m.(*JoinRequest).Member) },
		func(r *Reader) (Message, error) {
			e := &JoinRequest{Member: readAddress(r)}
			return e, r.Err()
		})

	register(TypeJoinResponse, "JoinResponse",
		func(w *Writer, m Message) {
			e := m.(*JoinResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
			writeAddressSet(w, e.Active)
			writeAddressSet(w, e.Passive)
		},
		func(r *Reader) (Message, error) {
			e := &JoinResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			e.Active = readAddressSet(r)
			e.Passive = readAddressSet(r)
			return e, r.Err()
		})

	register(TypeLeaveRequest, "LeaveRequest",
		func(w *Writer, m Message) { writeAddress(w, m.(*LeaveRequest).Member) },
		func(r *Reader) (Message, error) {
			e := &LeaveRequest{Member: readAddress(r)}
			return e, r.Err()
		})

	register(TypeLeaveResponse, "LeaveResponse",
		func(w *Writer, m Message) {
			e := m.(*LeaveResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
		},
		func(r *Reader) (Message, error) {
			e := &LeaveResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			return e, r.Err()
		})

	register(TypePromoteRequest, "PromoteRequest",
		func(w *Writer, m Message) { writeAddress(w, m.(*PromoteRequest).Member) },
		func(r *Reader) (Message, error) {
			e := &PromoteRequest{Member: readAddress(r)}
			return e, r.Err()
		})

	register(TypePromoteResponse, "PromoteResponse",
		func(w *Writer, m Message) {
			e := m.(*PromoteResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
		},
		func(r *Reader) (Message, error) {
			e := &PromoteResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			return e, r.Err()
		})

	register(TypeDemoteRequest, "DemoteRequest",
		func(w *Writer, m Message) { writeAddress(w, m.(*DemoteRequest).Member) },
		func(r *Reader) (Message, error) {
			e := &DemoteRequest{Member: readAddress(r)}
			return e, r.Err()
		})

	register(TypeDemoteResponse, "DemoteResponse",
		func(w *Writer, m Message) {
			e := m.(*DemoteResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint8(uint8(e.Error))
		},
		func(r *Reader) (Message, error) {
			e := &DemoteResponse{}
			e.Status = Status(r.ReadUint8())
			e.Error = RaftError(r.ReadUint8())
			return e, r.Err()
		})

	register(TypeInstallSnapshotRequest, "InstallSnapshotRequest",
		func(w *Writer, m Message) {
			e := m.(*InstallSnapshotRequest)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Leader)
			w.WriteUint64(e.LastIncludedIndex)
			w.WriteUint64(e.LastIncludedTerm)
			w.WriteBytes(e.Data)
		},
		func(r *Reader) (Message, error) {
			e := &InstallSnapshotRequest{}
			e.Term = r.ReadUint64()
			e.Leader = readAddress(r)
			e.LastIncludedIndex = r.ReadUint64()
			e.LastIncludedTerm = r.ReadUint64()
			e.Data = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeInstallSnapshotResponse, "InstallSnapshotResponse",
		func(w *Writer, m Message) {
			e := m.(*InstallSnapshotResponse)
			w.WriteUint8(uint8(e.Status))
			w.WriteUint64(e.Term)
		},
		func(r *Reader) (Message, error) {
			e := &InstallSnapshotResponse{}
			e.Status = Status(r.ReadUint8())
			e.Term = r.ReadUint64()
			return e, r.Err()
		})
}
