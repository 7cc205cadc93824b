package events

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type EventType string

const (
	EventTypeTurnStarted  EventType = "turn-started"
	EventTypeTurnDenied   EventType = "turn-denied"
	EventTypeTurnFinished EventType = "turn-finished"

	EventTypeStepDecided  EventType = "step-decided"
	EventTypeToolExecuted EventType = "tool-executed"

	EventTypeReservationHeld      EventType = "reservation-held"
	EventTypeReservationCommitted EventType = "reservation-committed"
	EventTypeReservationReleased  EventType = "reservation-released"

	EventTypeError EventType = "error"
)

// EventMetadata identifies the turn an event belongs to.
type EventMetadata struct {
	ID        uuid.UUID `json:"id"`
	TurnID    string    `json:"turn_id,omitempty"`
	Workspace string    `json:"workspace,omitempty"`
}

func (em EventMetadata) MarshalZerologObject(e *zerolog.Event) {
	e.Str("id", em.ID.String())
	if em.TurnID != "" {
		e.Str("turn_id", em.TurnID)
	}
	if em.Workspace != "" {
		e.Str("workspace", em.Workspace)
	}
}

type Event interface {
	Type() EventType
	Metadata() EventMetadata
}

// EventImpl is the shared base for concrete events.
type EventImpl struct {
	Type_     EventType     `json:"type"`
	Metadata_ EventMetadata `json:"meta,omitempty"`
}

func (e *EventImpl) Type() EventType         { return e.Type_ }
func (e *EventImpl) Metadata() EventMetadata { return e.Metadata_ }

func newMeta(turnID, workspace string) EventMetadata {
	return EventMetadata{ID: uuid.New(), TurnID: turnID, Workspace: workspace}
}

// EventTurnStarted is emitted after a turn passes admission.
type EventTurnStarted struct {
	EventImpl
	Model          string `json:"model"`
	MaxOutputUnits int    `json:"max_output_units"`
}

func NewTurnStartedEvent(turnID, workspace, model string, maxOutputUnits int) *EventTurnStarted {
	return &EventTurnStarted{
		EventImpl:      EventImpl{Type_: EventTypeTurnStarted, Metadata_: newMeta(turnID, workspace)},
		Model:          model,
		MaxOutputUnits: maxOutputUnits,
	}
}

// EventTurnDenied is emitted when admission control rejects a turn.
type EventTurnDenied struct {
	EventImpl
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewTurnDeniedEvent(turnID, workspace, code, message string) *EventTurnDenied {
	return &EventTurnDenied{
		EventImpl: EventImpl{Type_: EventTypeTurnDenied, Metadata_: newMeta(turnID, workspace)},
		Code:      code,
		Message:   message,
	}
}

// EventStepDecided carries the policy directive chosen for a step.
type EventStepDecided struct {
	EventImpl
	StepIndex   int      `json:"step_index"`
	Rule        string   `json:"rule"`
	ToolChoice  string   `json:"tool_choice"`
	ActiveTools []string `json:"active_tools"`
}

func NewStepDecidedEvent(turnID, workspace string, stepIndex int, rule, toolChoice string, activeTools []string) *EventStepDecided {
	return &EventStepDecided{
		EventImpl:   EventImpl{Type_: EventTypeStepDecided, Metadata_: newMeta(turnID, workspace)},
		StepIndex:   stepIndex,
		Rule:        rule,
		ToolChoice:  toolChoice,
		ActiveTools: activeTools,
	}
}

// EventToolExecuted reports a completed tool invocation.
type EventToolExecuted struct {
	EventImpl
	Tool  string `json:"tool"`
	Error string `json:"error,omitempty"`
}

func NewToolExecutedEvent(turnID, workspace, tool, errMsg string) *EventToolExecuted {
	return &EventToolExecuted{
		EventImpl: EventImpl{Type_: EventTypeToolExecuted, Metadata_: newMeta(turnID, workspace)},
		Tool:      tool,
		Error:     errMsg,
	}
}

// EventReservation reports a reservation lifecycle transition.
type EventReservation struct {
	EventImpl
	ReservationID string `json:"reservation_id"`
	Amount        int64  `json:"amount,omitempty"`
}

func NewReservationEvent(typ EventType, turnID, workspace, reservationID string, amount int64) *EventReservation {
	return &EventReservation{
		EventImpl:     EventImpl{Type_: typ, Metadata_: newMeta(turnID, workspace)},
		ReservationID: reservationID,
		Amount:        amount,
	}
}

// EventTurnFinished reports the completed turn with its final usage counters.
type EventTurnFinished struct {
	EventImpl
	Steps       int    `json:"steps"`
	StopReason  string `json:"stop_reason"`
	OutputUnits int    `json:"output_units"`
}

func NewTurnFinishedEvent(turnID, workspace string, steps int, stopReason string, outputUnits int) *EventTurnFinished {
	return &EventTurnFinished{
		EventImpl:   EventImpl{Type_: EventTypeTurnFinished, Metadata_: newMeta(turnID, workspace)},
		Steps:       steps,
		StopReason:  stopReason,
		OutputUnits: outputUnits,
	}
}

// EventError reports a terminal error during a turn.
type EventError struct {
	EventImpl
	Message string `json:"message"`
}

func NewErrorEvent(turnID, workspace string, err error) *EventError {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &EventError{
		EventImpl: EventImpl{Type_: EventTypeError, Metadata_: newMeta(turnID, workspace)},
		Message:   msg,
	}
}

// MarshalJSONEvent serializes any event to JSON for sinks that need bytes.
func MarshalJSONEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
