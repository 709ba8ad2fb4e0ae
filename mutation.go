package replication

import (
	"encoding/binary"
	"fmt"
)

// mutationHeaderSize is app(4) + partition(4) + ballot(8) + decree(8) +
// last committed(8) + log offset(8) + payload length(4).
const mutationHeaderSize = 4 + 4 + 8 + 8 + 8 + 8 + 4

// Mutation is one client write tagged with its place in a partition's order.
//
// All exported fields are fixed once the mutation has been put into a prepare
// list. The logged flag is flipped by the owning replica, under its lock, when
// the prepare log acknowledges the mutation.
type Mutation struct {
	GPID   GPID
	Ballot Ballot
	Decree Decree

	// LastCommittedDecree is the primary's committed decree at prepare time.
	// Secondaries may commit up to it.
	LastCommittedDecree Decree

	LogOffset int64
	Payload   []byte

	logged bool
}

// NewMutation returns a mutation that has not been logged anywhere yet.
func NewMutation(gpid GPID, ballot Ballot, decree Decree, payload []byte) *Mutation {
	return &Mutation{
		GPID:                gpid,
		Ballot:              ballot,
		Decree:              decree,
		LastCommittedDecree: InvalidDecree,
		LogOffset:           InvalidOffset,
		Payload:             payload,
	}
}

// Name returns "<gpid>.<ballot>.<decree>", used in log lines.
func (m *Mutation) Name() string {
	return fmt.Sprintf("%s.%d.%d", m.GPID, m.Ballot, m.Decree)
}

// IsLogged reports whether the mutation is durable in the prepare log.
func (m *Mutation) IsLogged() bool { return m.logged }

// SetLogged marks the mutation as durable in the prepare log.
func (m *Mutation) SetLogged() { m.logged = true }

// Clone returns a copy that does not share the payload and is not logged.
func (m *Mutation) Clone() *Mutation {
	c := *m
	c.Payload = append([]byte(nil), m.Payload...)
	c.logged = false
	return &c
}

// MarshalSize returns the encoded length of the mutation.
func (m *Mutation) MarshalSize() int {
	return mutationHeaderSize + len(m.Payload)
}

// MarshalBinary encodes the mutation. The logged flag is local state and is
// not encoded.
func (m *Mutation) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.MarshalSize()))
}

// AppendBinary appends the encoded mutation to dst.
func (m *Mutation) AppendBinary(dst []byte) ([]byte, error) {
	var b [mutationHeaderSize]byte
	binary.BigEndian.PutUint32(b[0:4], uint32(m.GPID.AppID))
	binary.BigEndian.PutUint32(b[4:8], uint32(m.GPID.PartitionIndex))
	binary.BigEndian.PutUint64(b[8:16], uint64(m.Ballot))
	binary.BigEndian.PutUint64(b[16:24], uint64(m.Decree))
	binary.BigEndian.PutUint64(b[24:32], uint64(m.LastCommittedDecree))
	binary.BigEndian.PutUint64(b[32:40], uint64(m.LogOffset))
	binary.BigEndian.PutUint32(b[40:44], uint32(len(m.Payload)))
	dst = append(dst, b[:]...)
	return append(dst, m.Payload...), nil
}

// UnmarshalBinary decodes a mutation encoded by MarshalBinary.
func (m *Mutation) UnmarshalBinary(b []byte) error {
	if len(b) < mutationHeaderSize {
		return &Error{Code: EInvalid, Msg: fmt.Sprintf("mutation too short: %d bytes", len(b))}
	}
	m.GPID.AppID = int32(binary.BigEndian.Uint32(b[0:4]))
	m.GPID.PartitionIndex = int32(binary.BigEndian.Uint32(b[4:8]))
	m.Ballot = Ballot(binary.BigEndian.Uint64(b[8:16]))
	m.Decree = Decree(binary.BigEndian.Uint64(b[16:24]))
	m.LastCommittedDecree = Decree(binary.BigEndian.Uint64(b[24:32]))
	m.LogOffset = int64(binary.BigEndian.Uint64(b[32:40]))

	sz := int(binary.BigEndian.Uint32(b[40:44]))
	if len(b)-mutationHeaderSize != sz {
		return &Error{Code: EInvalid, Msg: fmt.Sprintf("mutation payload length mismatch: header %d, have %d", sz, len(b)-mutationHeaderSize)}
	}
	m.Payload = append([]byte(nil), b[mutationHeaderSize:]...)
	m.logged = false
	return nil
}
