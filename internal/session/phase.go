package session

import (
	"reflect"
	"time"
)

// PhaseKind identifies one state in the session lifecycle.
type PhaseKind int

const (
	PhaseIdle PhaseKind = iota
	PhaseProcessing
	PhaseWaitingForInput
	PhaseWaitingForApproval
	PhaseCompacting
	PhaseEnded
)

var phaseNames = map[PhaseKind]string{
	PhaseIdle:               "idle",
	PhaseProcessing:         "processing",
	PhaseWaitingForInput:    "waiting_for_input",
	PhaseWaitingForApproval: "waiting_for_approval",
	PhaseCompacting:         "compacting",
	PhaseEnded:              "ended",
}

func (k PhaseKind) String() string {
	if name, ok := phaseNames[k]; ok {
		return name
	}
	return "unknown"
}

// PermissionContext carries the details of the approval a session is
// waiting on.
type PermissionContext struct {
	ToolUseID  string
	Tool       string
	Input      map[string]interface{}
	ReceivedAt time.Time
}

// Phase is the session state, with the approval context attached while
// waiting for a permission decision. Equality is structural, including
// the context.
type Phase struct {
	Kind     PhaseKind
	Approval *PermissionContext
}

func Idle() Phase              { return Phase{Kind: PhaseIdle} }
func Processing() Phase        { return Phase{Kind: PhaseProcessing} }
func WaitingForInput() Phase   { return Phase{Kind: PhaseWaitingForInput} }
func Compacting() Phase        { return Phase{Kind: PhaseCompacting} }
func Ended() Phase             { return Phase{Kind: PhaseEnded} }

func WaitingForApproval(ctx PermissionContext) Phase {
	return Phase{Kind: PhaseWaitingForApproval, Approval: &ctx}
}

// Equal reports structural equality, including the approval context.
func (p Phase) Equal(other Phase) bool {
	if p.Kind != other.Kind {
		return false
	}
	if p.Approval == nil || other.Approval == nil {
		return p.Approval == other.Approval
	}
	return p.Approval.ToolUseID == other.Approval.ToolUseID &&
		p.Approval.Tool == other.Approval.Tool &&
		p.Approval.ReceivedAt.Equal(other.Approval.ReceivedAt) &&
		reflect.DeepEqual(p.Approval.Input, other.Approval.Input)
}

func (p Phase) String() string { return p.Kind.String() }

// transitions maps each non-terminal phase to the set of phases
// reachable from it. PhaseEnded is terminal and reachable from any
// phase; staying in the same phase is always permitted.
var transitions = map[PhaseKind][]PhaseKind{
	PhaseIdle:               {PhaseProcessing, PhaseWaitingForApproval, PhaseCompacting, PhaseWaitingForInput},
	PhaseProcessing:         {PhaseWaitingForInput, PhaseWaitingForApproval, PhaseCompacting, PhaseIdle},
	PhaseWaitingForInput:    {PhaseProcessing, PhaseIdle, PhaseCompacting},
	PhaseWaitingForApproval: {PhaseProcessing, PhaseIdle, PhaseWaitingForInput, PhaseWaitingForApproval},
	PhaseCompacting:         {PhaseProcessing, PhaseIdle, PhaseWaitingForInput},
	PhaseEnded:              {},
}

// CanTransition reports whether the phase may move to the target.
func (p Phase) CanTransition(to Phase) bool {
	if p.Kind == PhaseEnded {
		return to.Kind == PhaseEnded
	}
	if to.Kind == PhaseEnded {
		return true
	}
	if to.Kind == p.Kind {
		return true
	}
	for _, k := range transitions[p.Kind] {
		if k == to.Kind {
			return true
		}
	}
	return false
}

// StateMachine validates and applies phase transitions for one session.
type StateMachine struct {
	phase Phase
}

// NewStateMachine starts in the idle phase.
func NewStateMachine() *StateMachine {
	return &StateMachine{phase: Idle()}
}

// Phase returns the current phase.
func (m *StateMachine) Phase() Phase {
	return m.phase
}

// Transition applies the target phase if the transition is valid and
// reports whether it was applied. A rejected transition leaves the
// machine unchanged; callers decide how to handle it.
func (m *StateMachine) Transition(to Phase) bool {
	if !m.phase.CanTransition(to) {
		return false
	}
	m.phase = to
	return true
}
