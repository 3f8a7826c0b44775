package flow

import "fmt"

// Phase is the connect axis of a flow's state machine.
type Phase uint8

const (
	// PhaseIdle means Connect has not been called.
	PhaseIdle Phase = iota
	// PhaseConnecting means a connect, including any tunnel handshake, is
	// in progress.
	PhaseConnecting
	// PhaseConnected means the flow is established and may read and write.
	PhaseConnected
	// PhaseErrored is terminal. No operation is dispatched once a flow
	// has errored.
	PhaseErrored
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseConnecting:
		return "CONNECTING"
	case PhaseConnected:
		return "CONNECTED"
	case PhaseErrored:
		return "ERRORED"
	default:
		return fmt.Sprintf("PHASE(%d)", p)
	}
}

// ReadState is the read axis of a flow's state machine.
type ReadState uint8

const (
	// ReadIdle means no read is in flight.
	ReadIdle ReadState = iota
	// Reading means a read is in flight; issuing another is a contract
	// violation.
	Reading
	// ReadComplete means the last read finished. A new read may begin.
	ReadComplete
)

func (s ReadState) String() string {
	switch s {
	case ReadIdle:
		return "IDLE"
	case Reading:
		return "READING"
	case ReadComplete:
		return "READ_COMPLETE"
	default:
		return fmt.Sprintf("READ(%d)", s)
	}
}

// WriteState is the write axis of a flow's state machine.
type WriteState uint8

const (
	// WriteIdle means no write is in flight.
	WriteIdle WriteState = iota
	// Writing means a write is in flight; issuing another is a contract
	// violation.
	Writing
	// WriteComplete means the last write finished. A new write may begin.
	WriteComplete
)

func (s WriteState) String() string {
	switch s {
	case WriteIdle:
		return "IDLE"
	case Writing:
		return "WRITING"
	case WriteComplete:
		return "WRITE_COMPLETE"
	default:
		return fmt.Sprintf("WRITE(%d)", s)
	}
}

// StateMachine tracks a flow's dispatch state on three independent axes:
// connect, read and write. Transition methods panic when called out of
// order; such a call is a programming error in the stage, never a runtime
// condition, and must not be retried or swallowed.
//
// The zero value is a machine in PhaseIdle with both I/O axes idle.
type StateMachine struct {
	phase Phase
	read  ReadState
	write WriteState
}

// ConnectBegin marks the start of a connect.
func (m *StateMachine) ConnectBegin() {
	if m.phase != PhaseIdle {
		panic(fmt.Sprintf("flow: ConnectBegin in phase %v", m.phase))
	}
	m.phase = PhaseConnecting
}

// Connected marks the connect, including any handshake, as finished.
func (m *StateMachine) Connected() {
	if m.phase != PhaseConnecting {
		panic(fmt.Sprintf("flow: Connected in phase %v", m.phase))
	}
	m.phase = PhaseConnected
}

// AdoptConnected marks the connect axis established without a Connect
// call. Stages that wrap an already-open transport use it.
func (m *StateMachine) AdoptConnected() {
	if m.phase != PhaseIdle {
		panic(fmt.Sprintf("flow: AdoptConnected in phase %v", m.phase))
	}
	m.phase = PhaseConnected
}

// ReadBegin marks a read as in flight.
func (m *StateMachine) ReadBegin() {
	if m.phase != PhaseConnected {
		panic(fmt.Sprintf("flow: ReadBegin in phase %v", m.phase))
	}
	if m.read == Reading {
		panic("flow: ReadBegin with a read already in flight")
	}
	m.read = Reading
}

// ReadEnd marks the in-flight read as delivered. Stages call it
// immediately before invoking the read handler, so a handler that issues
// the next read observes an idle axis.
func (m *StateMachine) ReadEnd() {
	if m.read != Reading {
		panic(fmt.Sprintf("flow: ReadEnd in state %v", m.read))
	}
	m.read = ReadComplete
}

// WriteBegin marks a write as in flight.
func (m *StateMachine) WriteBegin() {
	if m.phase != PhaseConnected {
		panic(fmt.Sprintf("flow: WriteBegin in phase %v", m.phase))
	}
	if m.write == Writing {
		panic("flow: WriteBegin with a write already in flight")
	}
	m.write = Writing
}

// WriteEnd marks the in-flight write as delivered, mirroring ReadEnd.
func (m *StateMachine) WriteEnd() {
	if m.write != Writing {
		panic(fmt.Sprintf("flow: WriteEnd in state %v", m.write))
	}
	m.write = WriteComplete
}

// Errored moves the flow to its terminal state. It is sticky: calling it
// again is a no-op, and it is valid from every phase.
func (m *StateMachine) Errored() {
	m.phase = PhaseErrored
}

// Phase returns the connect axis.
func (m *StateMachine) Phase() Phase { return m.phase }

// ReadState returns the read axis.
func (m *StateMachine) ReadState() ReadState { return m.read }

// WriteState returns the write axis.
func (m *StateMachine) WriteState() WriteState { return m.write }

// IsReading reports whether a read is in flight. Adjacent stages consult
// this before issuing a read on a shared next hop.
func (m *StateMachine) IsReading() bool { return m.read == Reading }

// IsWriting reports whether a write is in flight.
func (m *StateMachine) IsWriting() bool { return m.write == Writing }

// IsConnected reports whether the flow is established and not errored.
func (m *StateMachine) IsConnected() bool { return m.phase == PhaseConnected }

// HasError reports whether the flow reached its terminal state.
func (m *StateMachine) HasError() bool { return m.phase == PhaseErrored }

func (m *StateMachine) String() string {
	return fmt.Sprintf("phase=%v read=%v write=%v", m.phase, m.read, m.write)
}
