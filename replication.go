// Package replication holds the types shared by the partition replication
// engine: ballots, decrees, partition ids, role states, partition
// configurations and the mutation record that flows through the prepare list
// and the commit log.
package replication

import (
	"fmt"
	"strconv"
	"strings"
)

// Ballot is the epoch number of a partition's primary. It only grows, and only
// when a primary is (re-)elected.
type Ballot int64

// Decree is the position of a mutation in a partition's total commit order.
type Decree int64

const (
	// InvalidBallot marks a ballot that has not been assigned.
	InvalidBallot Ballot = -1

	// InvalidDecree marks a decree that has not been assigned.
	InvalidDecree Decree = -1

	// InvalidOffset marks a mutation that has not been written to a log.
	InvalidOffset int64 = -1
)

// GPID identifies one partition of one app across the cluster.
type GPID struct {
	AppID          int32 `json:"appID"`
	PartitionIndex int32 `json:"partitionIndex"`
}

// String returns the "<app>.<partition>" form of the id.
func (g GPID) String() string {
	return fmt.Sprintf("%d.%d", g.AppID, g.PartitionIndex)
}

// ParseGPID parses the "<app>.<partition>" form produced by GPID.String.
func ParseGPID(s string) (GPID, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return GPID{}, &Error{Code: EInvalid, Msg: fmt.Sprintf("malformed partition id %q", s)}
	}
	app, err := strconv.ParseInt(parts[0], 10, 32)
	if err != nil {
		return GPID{}, &Error{Code: EInvalid, Msg: fmt.Sprintf("malformed app id in %q", s), Err: err}
	}
	pidx, err := strconv.ParseInt(parts[1], 10, 32)
	if err != nil {
		return GPID{}, &Error{Code: EInvalid, Msg: fmt.Sprintf("malformed partition index in %q", s), Err: err}
	}
	return GPID{AppID: int32(app), PartitionIndex: int32(pidx)}, nil
}

// PartitionStatus is the role a replica plays for its partition.
type PartitionStatus int

const (
	StatusInactive PartitionStatus = iota
	StatusError
	StatusPrimary
	StatusSecondary
	StatusPotentialSecondary
)

func (s PartitionStatus) String() string {
	switch s {
	case StatusInactive:
		return "inactive"
	case StatusError:
		return "error"
	case StatusPrimary:
		return "primary"
	case StatusSecondary:
		return "secondary"
	case StatusPotentialSecondary:
		return "potential-secondary"
	}
	return fmt.Sprintf("PartitionStatus(%d)", int(s))
}

// ParsePartitionStatus parses the String form of a PartitionStatus.
func ParsePartitionStatus(s string) (PartitionStatus, error) {
	for st := StatusInactive; st <= StatusPotentialSecondary; st++ {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, &Error{Code: EInvalid, Msg: fmt.Sprintf("unknown partition status %q", s)}
}

// LearningStatus tracks how far a potential secondary has caught up.
// The values are ordered: a later stage compares greater than an earlier one.
type LearningStatus int

const (
	LearningInvalid LearningStatus = iota
	LearningWithoutPrepare
	LearningWithPrepare
	LearningSucceeded
	LearningFailed
)

func (s LearningStatus) String() string {
	switch s {
	case LearningInvalid:
		return "invalid"
	case LearningWithoutPrepare:
		return "learning-without-prepare"
	case LearningWithPrepare:
		return "learning-with-prepare"
	case LearningSucceeded:
		return "succeeded"
	case LearningFailed:
		return "failed"
	}
	return fmt.Sprintf("LearningStatus(%d)", int(s))
}

// ReadSemantic selects the consistency a client read asks for.
type ReadSemantic int

const (
	// ReadLastUpdate must observe every committed write.
	ReadLastUpdate ReadSemantic = iota
	// ReadOutdated may observe a stale local state.
	ReadOutdated
	// ReadSnapshot reads from the local state as of the last checkpoint.
	ReadSnapshot
)

func (s ReadSemantic) String() string {
	switch s {
	case ReadLastUpdate:
		return "last-update"
	case ReadOutdated:
		return "outdated"
	case ReadSnapshot:
		return "snapshot"
	}
	return fmt.Sprintf("ReadSemantic(%d)", int(s))
}

// ParseReadSemantic parses the String form of a ReadSemantic.
func ParseReadSemantic(s string) (ReadSemantic, error) {
	switch s {
	case "", "last-update":
		return ReadLastUpdate, nil
	case "outdated":
		return ReadOutdated, nil
	case "snapshot":
		return ReadSnapshot, nil
	}
	return 0, &Error{Code: EInvalid, Msg: fmt.Sprintf("unknown read semantic %q", s)}
}

// PartitionConfiguration is a membership snapshot of one partition.
type PartitionConfiguration struct {
	GPID                GPID     `json:"gpid"`
	Ballot              Ballot   `json:"ballot"`
	Primary             string   `json:"primary"`
	Secondaries         []string `json:"secondaries"`
	LastCommittedDecree Decree   `json:"lastCommittedDecree"`
}

// Clone returns a deep copy of the configuration.
func (c PartitionConfiguration) Clone() PartitionConfiguration {
	c.Secondaries = append([]string(nil), c.Secondaries...)
	return c
}

// HasSecondary reports whether node is one of the configuration's secondaries.
func (c PartitionConfiguration) HasSecondary(node string) bool {
	for _, s := range c.Secondaries {
		if s == node {
			return true
		}
	}
	return false
}

// ReplicaConfiguration is the local view a replica keeps of its own role.
type ReplicaConfiguration struct {
	GPID    GPID            `json:"gpid"`
	Ballot  Ballot          `json:"ballot"`
	Primary string          `json:"primary"`
	Status  PartitionStatus `json:"status"`
}
