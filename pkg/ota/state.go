package ota

import (
	"fmt"

	"github.com/itohio/dfrnode/pkg/errcode"
)

// State is the state of an update session.
type State int

const (
	Idle State = iota
	Checking
	Downloading
	Verifying
	Flashing
	Committed
	RollingBack
	Failed
)

var stateNames = [...]string{
	Idle:        "idle",
	Checking:    "checking",
	Downloading: "downloading",
	Verifying:   "verifying",
	Flashing:    "flashing",
	Committed:   "committed",
	RollingBack: "rolling_back",
	Failed:      "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// transitions lists the legal successors of each state. Verification
// strictly precedes flashing, and only Flashing and RollingBack touch the
// boot record.
var transitions = map[State][]State{
	Idle:        {Checking},
	Checking:    {Downloading, Idle},
	Downloading: {Verifying, Idle, Failed},
	Verifying:   {Flashing, Failed, Idle},
	Flashing:    {Committed, RollingBack, Failed},
	Committed:   {Idle},
	RollingBack: {Failed},
	Failed:      {Idle},
}

// CanTransition reports whether from -> to is legal.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func checkTransition(from, to State) error {
	if CanTransition(from, to) {
		return nil
	}
	return &errcode.E{C: errcode.InvalidTransition, Op: "ota", Msg: from.String() + " -> " + to.String()}
}
