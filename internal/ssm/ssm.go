// Package ssm implements the sequential state machine runtime the drivers
// are built on. A machine owns a numbered set of states; each state's
// action arranges exactly one transition (Next, JumpTo, Complete, Abort or
// StartSub) before control returns to the reactor, either synchronously or
// from a later transfer/timer callback.
package ssm

import (
	"fmt"

	"github.com/sandeepvignesh/libfprint/internal/logging"
)

// ActionFunc runs one state of a machine. It must arrange exactly one
// transition on m before the machine can make progress again.
type ActionFunc func(m *Machine)

// CompleteFunc is invoked once when a machine reaches its terminus,
// normally or by abort. Inspect m.Err to tell the two apart.
type CompleteFunc func(m *Machine)

// Machine is a sequential state machine with states numbered 0..n-1.
type Machine struct {
	name       string
	action     ActionFunc
	numStates  int
	curState   int
	completed  bool
	started    bool
	err        error
	onComplete CompleteFunc
	parent     *Machine
	log        *logging.Logger
}

// New creates a machine with n states driven by action. The name is used
// in logs and panics only.
func New(name string, n int, action ActionFunc) *Machine {
	if n <= 0 {
		panic(fmt.Sprintf("ssm %s: state count %d", name, n))
	}
	return &Machine{
		name:      name,
		action:    action,
		numStates: n,
		log:       logging.ForComponent("ssm"),
	}
}

// Name returns the machine's name.
func (m *Machine) Name() string { return m.name }

// State returns the current state index.
func (m *Machine) State() int { return m.curState }

// Err returns the abort error, or nil after normal completion.
func (m *Machine) Err() error { return m.err }

// Completed reports whether the machine has terminated.
func (m *Machine) Completed() bool { return m.completed }

// Start fires state 0. onComplete runs exactly once at the terminus.
func (m *Machine) Start(onComplete CompleteFunc) {
	if m.started {
		panic(fmt.Sprintf("ssm %s: started twice", m.name))
	}
	m.started = true
	m.onComplete = onComplete
	m.curState = 0
	m.runState()
}

func (m *Machine) runState() {
	if m.completed {
		panic(fmt.Sprintf("ssm %s: state entered after completion", m.name))
	}
	m.log.Debug("run state", "ssm", m.name, "state", m.curState)
	m.action(m)
}

// Next advances to the following state. Advancing past the last state is
// equivalent to Complete.
func (m *Machine) Next() {
	m.checkLive("Next")
	if m.curState+1 == m.numStates {
		m.Complete()
		return
	}
	m.curState++
	m.runState()
}

// JumpTo transfers to an arbitrary state. Jumping to the current state
// re-runs its action; machines that probe a sequence of addresses rely on
// this.
func (m *Machine) JumpTo(state int) {
	m.checkLive("JumpTo")
	if state < 0 || state >= m.numStates {
		panic(fmt.Sprintf("ssm %s: jump to state %d of %d", m.name, state, m.numStates))
	}
	m.curState = state
	m.runState()
}

// Complete terminates the machine normally and fires onComplete. A nested
// machine additionally advances its parent.
func (m *Machine) Complete() {
	m.checkLive("Complete")
	m.completed = true
	m.finish()
}

// Abort terminates the machine with err and fires onComplete. A nested
// machine additionally aborts its parent with the same error.
func (m *Machine) Abort(err error) {
	m.checkLive("Abort")
	if err == nil {
		panic(fmt.Sprintf("ssm %s: abort with nil error", m.name))
	}
	m.log.Debug("abort", "ssm", m.name, "state", m.curState, "err", err)
	m.completed = true
	m.err = err
	m.finish()
}

func (m *Machine) finish() {
	parent := m.parent
	m.parent = nil
	if m.onComplete != nil {
		m.onComplete(m)
	}
	if parent == nil {
		return
	}
	if m.err != nil {
		parent.Abort(m.err)
	} else {
		parent.Next()
	}
}

// StartSub starts child as a nested machine of m. When the child completes
// it calls m.Next; when it aborts it calls m.Abort with the child's error.
// An onComplete registered on the child runs before the parent transition.
func (m *Machine) StartSub(child *Machine, onComplete CompleteFunc) {
	m.checkLive("StartSub")
	child.parent = m
	child.Start(onComplete)
}

func (m *Machine) checkLive(op string) {
	if !m.started {
		panic(fmt.Sprintf("ssm %s: %s before Start", m.name, op))
	}
	if m.completed {
		panic(fmt.Sprintf("ssm %s: %s after completion", m.name, op))
	}
}
