package action

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when an action id does not exist in the store.
var ErrNotFound = errors.New("action not found")

// ErrValidation is returned for malformed records and illegal status
// transitions.
var ErrValidation = errors.New("invalid action")

// Status is the lifecycle state of an action. Transitions are monotonic:
// once terminal, an action never changes status again.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether no further status transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Action is one persisted tool invocation and its outcome. Seq orders
// actions within their parent task.
type Action struct {
	ID        string          `json:"id"`
	TaskID    string          `json:"task_id"`
	ToolID    string          `json:"tool_id,omitempty"`
	Name      string          `json:"name"`
	Seq       int             `json:"seq"`
	Status    Status          `json:"status"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Result    string          `json:"result,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`

	Documents []Document `json:"documents,omitempty"`
}

// Document is a derived, indexable text artifact produced from an
// action's canonical result.
type Document struct {
	ID        string           `json:"id"`
	Text      string           `json:"text"`
	Source    string           `json:"source,omitempty"`
	Metadata  DocumentMetadata `json:"metadata"`
	CreatedAt time.Time        `json:"created_at"`
}

// DocumentMetadata tags how a document was produced.
type DocumentMetadata struct {
	Kind      string `json:"kind"`
	Origin    string `json:"origin"`
	ActionID  string `json:"action_id"`
	Indexable bool   `json:"indexable"`
}

func validateNewAction(a Action) error {
	if strings.TrimSpace(a.TaskID) == "" {
		return fmt.Errorf("%w: task id is required", ErrValidation)
	}
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrValidation)
	}
	if a.Status != "" && !a.Status.valid() {
		return fmt.Errorf("%w: unknown status %q", ErrValidation, a.Status)
	}
	if len(a.Payload) > 0 && !json.Valid(a.Payload) {
		return fmt.Errorf("%w: payload is not valid JSON", ErrValidation)
	}
	return nil
}
