package codec

// Entry type ids. Stable across releases -- never renumber a live id.
const (
	TypeNoOp TypeID = iota + 1
	TypeConfiguration
	TypeRegister
	TypeKeepAlive
	TypeCommand
	TypeQuery
	TypeJoin
	TypeLeave
	TypePromote
	TypeDemote
)

// Address identifies a cluster member by host/port.
type Address struct {
	Host string
	Port uint32
}

func (a Address) String() string {
	return a.Host + ":" + itoa(a.Port)
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

func writeAddress(w *Writer, a Address) {
	w.WriteString(a.Host)
	w.WriteUint32(a.Port)
}

func readAddress(r *Reader) Address {
	return Address{Host: r.ReadString(), Port: r.ReadUint32()}
}

func writeAddressSet(w *Writer, addrs []Address) {
	w.WriteUint32(uint32(len(addrs)))
	for _, a := range addrs {
		writeAddress(w, a)
	}
}

func readAddressSet(r *Reader) []Address {
	n := r.ReadUint32()
	if r.Err() != nil || n == 0 {
		return nil
	}
	out := make([]Address, n)
	for i := range out {
		out[i] = readAddress(r)
	}
	return out
}

// Header carries the fields common to every log entry.
type Header struct {
	Index uint64
	Term  uint64
}

// Entry is implemented by every log entry variant.
type Entry interface {
	Message
	GetIndex() uint64
	GetTerm() uint64
	SetIndex(uint64)
	SetTerm(uint64)
}

func (h *Header) GetIndex() uint64    { return h.Index }
func (h *Header) GetTerm() uint64     { return h.Term }
func (h *Header) SetIndex(idx uint64) { h.Index = idx }
func (h *Header) SetTerm(term uint64) { h.Term = term }

// NoOpEntry is appended by a new leader to force commitment of prior-term
// entries.
type NoOpEntry struct {
	Header
}

func (e *NoOpEntry) TypeID() TypeID { return TypeNoOp }

// ConfigurationEntry records the full active/passive member sets.
type ConfigurationEntry struct {
	Header
	Active  []Address
	Passive []Address
}

func (e *ConfigurationEntry) TypeID() TypeID { return TypeConfiguration }

// RegisterEntry creates a client session.
type RegisterEntry struct {
	Header
	Member    Address
	Timestamp int64
}

func (e *RegisterEntry) TypeID() TypeID { return TypeRegister }

// KeepAliveEntry refreshes a session's liveness.
type KeepAliveEntry struct {
	Header
	Session   uint64
	Timestamp int64
}

func (e *KeepAliveEntry) TypeID() TypeID { return TypeKeepAlive }

// CommandEntry carries a client state-mutating operation.
type CommandEntry struct {
	Header
	Session   uint64
	Request   uint64
	Response  uint64
	Timestamp int64
	Command   []byte
}

func (e *CommandEntry) TypeID() TypeID { return TypeCommand }

// QueryEntry forces ordering for a strict-linearizable read. Typically not
// persisted -- it exists to be appended and replicated without a durable
// home in the segment log (see raft/leader.go linearizable-strict mode).
type QueryEntry struct {
	Header
	Session   uint64
	Version   uint64
	Timestamp int64
	Query     []byte
}

func (e *QueryEntry) TypeID() TypeID { return TypeQuery }

// JoinEntry adds a passive member to the cluster.
type JoinEntry struct {
	Header
	Member Address
}

func (e *JoinEntry) TypeID() TypeID { return TypeJoin }

// LeaveEntry removes a member (active or passive) from the cluster.
type LeaveEntry struct {
	Header
	Member Address
}

func (e *LeaveEntry) TypeID() TypeID { return TypeLeave }

// PromoteEntry upgrades a passive member to active (voting).
type PromoteEntry struct {
	Header
	Member Address
}

func (e *PromoteEntry) TypeID() TypeID { return TypePromote }

// DemoteEntry downgrades an active member to passive.
type DemoteEntry struct {
	Header
	Member Address
}

func (e *DemoteEntry) TypeID() TypeID { return TypeDemote }

func init() {
	register(TypeNoOp, "NoOpEntry",
		func(w *Writer, m Message) {
			e := m.(*NoOpEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
		},
		func(r *Reader) (Message, error) {
			e := &NoOpEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			return e, r.Err()
		})

	register(TypeConfiguration, "ConfigurationEntry",
		func(w *Writer, m Message) {
			e := m.(*ConfigurationEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddressSet(w, e.Active)
			writeAddressSet(w, e.Passive)
		},
		func(r *Reader) (Message, error) {
			e := &ConfigurationEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Active = readAddressSet(r)
			e.Passive = readAddressSet(r)
			return e, r.Err()
		})

	register(TypeRegister, "RegisterEntry",
		func(w *Writer, m Message) {
			e := m.(*RegisterEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Member)
			w.WriteInt64(e.Timestamp)
		},
		func(r *Reader) (Message, error) {
			e := &RegisterEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Member = readAddress(r)
			e.Timestamp = r.ReadInt64()
			return e, r.Err()
		})

	register(TypeKeepAlive, "KeepAliveEntry",
		func(w *Writer, m Message) {
			e := m.(*KeepAliveEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			w.WriteUint64(e.Session)
			w.WriteInt64(e.Timestamp)
		},
		func(r *Reader) (Message, error) {
			e := &KeepAliveEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Session = r.ReadUint64()
			e.Timestamp = r.ReadInt64()
			return e, r.Err()
		})

	register(TypeCommand, "CommandEntry",
		func(w *Writer, m Message) {
			e := m.(*CommandEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			w.WriteUint64(e.Session)
			w.WriteUint64(e.Request)
			w.WriteUint64(e.Response)
			w.WriteInt64(e.Timestamp)
			w.WriteBytes(e.Command)
		},
		func(r *Reader) (Message, error) {
			e := &CommandEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Session = r.ReadUint64()
			e.Request = r.ReadUint64()
			e.Response = r.ReadUint64()
			e.Timestamp = r.ReadInt64()
			e.Command = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeQuery, "QueryEntry",
		func(w *Writer, m Message) {
			e := m.(*QueryEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			w.WriteUint64(e.Session)
			w.WriteUint64(e.Version)
			w.WriteInt64(e.Timestamp)
			w.WriteBytes(e.Query)
		},
		func(r *Reader) (Message, error) {
			e := &QueryEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Session = r.ReadUint64()
			e.Version = r.ReadUint64()
			e.Timestamp = r.ReadInt64()
			e.Query = r.ReadBytes()
			return e, r.Err()
		})

	register(TypeJoin, "JoinEntry",
		func(w *Writer, m Message) {
			e := m.(*JoinEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Member)
		},
		func(r *Reader) (Message, error) {
			e := &JoinEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Member = readAddress(r)
			return e, r.Err()
		})

	register(TypeLeave, "LeaveEntry",
		func(w *Writer, m Message) {
			e := m.(*LeaveEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Member)
		},
		func(r *Reader) (Message, error) {
			e := &LeaveEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Member = readAddress(r)
			return e, r.Err()
		})

	register(TypePromote, "PromoteEntry",
		func(w *Writer, m Message) {
			e := m.(*PromoteEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Member)
		},
		func(r *Reader) (Message, error) {
			e := &PromoteEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Member = readAddress(r)
			return e, r.Err()
		})

	register(TypeDemote, "DemoteEntry",
		func(w *Writer, m Message) {
			e := m.(*DemoteEntry)
			w.WriteUint64(e.Index)
			w.WriteUint64(e.Term)
			writeAddress(w, e.Member)
		},
		func(r *Reader) (Message, error) {
			e := &DemoteEntry{}
			e.Index = r.ReadUint64()
			e.Term = r.ReadUint64()
			e.Member = readAddress(r)
			return e, r.Err()
		})
}
