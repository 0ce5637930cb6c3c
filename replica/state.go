package replica

import (
	"fmt"
	"strings"

	"github.com/hupe1980/vecshard/model"
)

// State is the health state of one replica.
type State uint8

// Replica states.
const (
	// Active replicas receive writes and vote.
	Active State = iota
	// Partial replicas are receiving a full transfer.
	Partial
	// Recovery replicas are catching up from the WAL.
	Recovery
	// Listener replicas receive writes and serve Any reads but never vote.
	Listener
	// Dead replicas receive nothing until recovered.
	Dead
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Partial:
		return "partial"
	case Recovery:
		return "recovery"
	case Listener:
		return "listener"
	case Dead:
		return "dead"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState parses the String form of a state.
func ParseState(s string) (State, error) {
	switch strings.ToLower(s) {
	case "active":
		return Active, nil
	case "partial":
		return Partial, nil
	case "recovery":
		return Recovery, nil
	case "listener":
		return Listener, nil
	case "dead":
		return Dead, nil
	default:
		return 0, fmt.Errorf("replica: unknown state %q", s)
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// online reports whether entries are delivered to a replica in this state.
func (s State) online() bool { return s == Active || s == Listener }

// ReadLevel is the consistency of a read.
type ReadLevel uint8

// Read levels.
const (
	// ReadAny is served by the first responding replica.
	ReadAny ReadLevel = iota
	// ReadMajority needs a majority of the voting replicas.
	ReadMajority
	// ReadAll needs every voting replica.
	ReadAll
)

func (l ReadLevel) String() string {
	switch l {
	case ReadAny:
		return "any"
	case ReadMajority:
		return "majority"
	case ReadAll:
		return "all"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseReadLevel parses the String form of a level. Empty means ReadAny.
func ParseReadLevel(s string) (ReadLevel, error) {
	switch strings.ToLower(s) {
	case "", "any":
		return ReadAny, nil
	case "majority", "quorum":
		return ReadMajority, nil
	case "all":
		return ReadAll, nil
	default:
		return 0, fmt.Errorf("replica: unknown read level %q", s)
	}
}

// Replica is one member of a Set.
type Replica struct {
	Peer   model.PeerID
	Target Target
	State  State
	// Local marks the replica hosted by this process. Reads prefer it.
	Local bool
}

// Transition is a state change of one replica.
type Transition struct {
	Shard  model.ShardID
	Peer   model.PeerID
	From   State
	To     State
	Reason string
}

// ReplicaStatus is the observable state of one member.
type ReplicaStatus struct {
	Peer       model.PeerID `json:"peer"`
	State      State        `json:"state"`
	Local      bool         `json:"local,omitempty"`
	AppliedSeq uint64       `json:"applied_seq"`
	Recovering bool         `json:"recovering,omitempty"`
}

// Status is a point-in-time report of a Set.
type Status struct {
	ShardID  model.ShardID   `json:"shard_id"`
	FirstSeq uint64          `json:"first_seq"`
	LastSeq  uint64          `json:"last_seq"`
	Dead     bool            `json:"dead,omitempty"`
	Replicas []ReplicaStatus `json:"replicas"`
}

// WriteResult is returned by a successful Propose.
type WriteResult struct {
	Seq  uint64
	Acks int
}
