package mpcs

import "fmt"

// Side identifies one of the two lock participants. The GPP is always
// side 0 and the DSP side 1; the lock is strictly two-party.
type Side uint32

const (
	SideGPP Side = 0
	SideDSP Side = 1
)

func (s Side) Peer() Side {
	return s ^ 1
}

func (s Side) String() string {
	if s == SideGPP {
		return "gpp"
	}
	return "dsp"
}

// Phase is the position of one side in the entry protocol. Each
// transition performs exactly one shared-word access, so the machine can
// be interleaved step by step against its peer.
type Phase uint8

const (
	PhaseIdle Phase = iota
	PhaseRaise
	PhaseYield
	PhaseWait
	PhaseCheck
	PhaseCritical
)

var phaseNames = [...]string{"idle", "raise", "yield", "wait", "check", "critical"}

func (p Phase) String() string {
	if int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("phase(%d)", p)
}

// Order selects which shared word is written first on entry.
type Order uint8

const (
	// FlagThenTurn raises interest before yielding the turn. This is the
	// only order that provides mutual exclusion.
	FlagThenTurn Order = iota
	// TurnThenFlag exists for the model checker.
	TurnThenFlag
)

// Words is the shared state the protocol runs on: one interest flag per
// side and a single turn word.
type Words interface {
	Interest(s Side) (bool, error)
	SetInterest(s Side, v bool) error
	Turn() (Side, error)
	SetTurn(s Side) error
}

// Machine is one side of the protocol.
type Machine struct {
	Side  Side
	Order Order
	Phase Phase
}

// Begin starts an entry attempt from idle.
func (m *Machine) Begin() {
	if m.Phase == PhaseIdle {
		m.Phase = PhaseRaise
	}
}

// Step performs the next shared access. It reports whether the step was
// a spin, i.e. a read that left the machine waiting.
func (m *Machine) Step(w Words) (spun bool, err error) {
	peer := m.Side.Peer()
	switch m.Phase {
	case PhaseRaise:
		if m.Order == FlagThenTurn {
			err = w.SetInterest(m.Side, true)
		} else {
			err = w.SetTurn(peer)
		}
		if err == nil {
			m.Phase = PhaseYield
		}
	case PhaseYield:
		if m.Order == FlagThenTurn {
			err = w.SetTurn(peer)
		} else {
			err = w.SetInterest(m.Side, true)
		}
		if err == nil {
			m.Phase = PhaseWait
		}
	case PhaseWait:
		var interested bool
		if interested, err = w.Interest(peer); err == nil {
			if interested {
				m.Phase = PhaseCheck
			} else {
				m.Phase = PhaseCritical
			}
		}
	case PhaseCheck:
		var turn Side
		if turn, err = w.Turn(); err == nil {
			if turn == peer {
				m.Phase = PhaseWait
				spun = true
			} else {
				m.Phase = PhaseCritical
			}
		}
	case PhaseCritical:
		if err = w.SetInterest(m.Side, false); err == nil {
			m.Phase = PhaseIdle
		}
	}
	return spun, err
}

// Abort withdraws interest from any phase. Used when an entry attempt
// is abandoned.
func (m *Machine) Abort(w Words) error {
	if m.Phase == PhaseIdle {
		return nil
	}
	if err := w.SetInterest(m.Side, false); err != nil {
		return err
	}
	m.Phase = PhaseIdle
	return nil
}
