package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Payload is the typed content of an inbox message. Each message type has exactly one
// payload variant; ParsePayload picks it from the discriminant.
type Payload interface {
	Type() MessageType
	Validate() error
}

// TextPayload is free-form text.
type TextPayload struct {
	Text string
}

// WorkOfferPayload offers a task directly to an agent.
type WorkOfferPayload struct {
	TaskID             string         `json:"taskId"`
	Description        string         `json:"description"`
	RequiredCapability string         `json:"requiredCapability,omitempty"`
	Priority           int            `json:"priority,omitempty"`
	Deadline           *time.Time     `json:"deadline,omitempty"`
	ContextData        map[string]any `json:"contextData,omitempty"`
}

// WorkClaimPayload announces that the sender claimed a work item.
type WorkClaimPayload struct {
	TaskID     string `json:"taskId"`
	WorkItemID string `json:"workItemId,omitempty"`
	Message    string `json:"message,omitempty"`
}

// WorkAcceptPayload confirms a claim to the claimer.
type WorkAcceptPayload struct {
	TaskID       string `json:"taskId"`
	WorkItemID   string `json:"workItemId,omitempty"`
	Instructions string `json:"instructions,omitempty"`
}

// WorkRejectPayload turns down a claim or an offer.
type WorkRejectPayload struct {
	TaskID     string `json:"taskId"`
	WorkItemID string `json:"workItemId,omitempty"`
	Reason     string `json:"reason"`
}

// ProgressUpdatePayload reports progress on claimed work.
type ProgressUpdatePayload struct {
	TaskID     string `json:"taskId"`
	WorkItemID string `json:"workItemId,omitempty"`
	Progress   int    `json:"progress"`
	Status     string `json:"status,omitempty"`
	Message    string `json:"message,omitempty"`
}

// WorkCompletePayload reports successful completion.
type WorkCompletePayload struct {
	TaskID     string         `json:"taskId"`
	WorkItemID string         `json:"workItemId,omitempty"`
	Result     map[string]any `json:"result,omitempty"`
	Summary    string         `json:"summary,omitempty"`
}

// WorkErrorPayload reports a failure while working.
type WorkErrorPayload struct {
	TaskID      string `json:"taskId"`
	WorkItemID  string `json:"workItemId,omitempty"`
	Error       string `json:"error"`
	Recoverable bool   `json:"recoverable"`
}

func (TextPayload) Type() MessageType           { return MessageText }
func (WorkOfferPayload) Type() MessageType      { return MessageWorkOffer }
func (WorkClaimPayload) Type() MessageType      { return MessageWorkClaim }
func (WorkAcceptPayload) Type() MessageType     { return MessageWorkAccept }
func (WorkRejectPayload) Type() MessageType     { return MessageWorkReject }
func (ProgressUpdatePayload) Type() MessageType { return MessageProgressUpdate }
func (WorkCompletePayload) Type() MessageType   { return MessageWorkComplete }
func (WorkErrorPayload) Type() MessageType      { return MessageWorkError }

func (p TextPayload) Validate() error {
	if strings.TrimSpace(p.Text) == "" {
		return Invalid("content", "text message must not be empty")
	}
	return nil
}

func (p WorkOfferPayload) Validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Description) == "" {
		return Invalid("description", "must not be empty")
	}
	if p.Priority != 0 && (p.Priority < 1 || p.Priority > 10) {
		return Invalid("priority", "must be between 1 and 10, got %d", p.Priority)
	}
	return nil
}

func (p WorkClaimPayload) Validate() error  { return requireTaskID(p.TaskID) }
func (p WorkAcceptPayload) Validate() error { return requireTaskID(p.TaskID) }

func (p WorkRejectPayload) Validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Reason) == "" {
		return Invalid("reason", "must not be empty")
	}
	return nil
}

func (p ProgressUpdatePayload) Validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if p.Progress < 0 || p.Progress > 100 {
		return Invalid("progress", "must be between 0 and 100, got %d", p.Progress)
	}
	return nil
}

func (p WorkCompletePayload) Validate() error { return requireTaskID(p.TaskID) }

func (p WorkErrorPayload) Validate() error {
	if err := requireTaskID(p.TaskID); err != nil {
		return err
	}
	if strings.TrimSpace(p.Error) == "" {
		return Invalid("error", "must not be empty")
	}
	return nil
}

func requireTaskID(id string) error {
	if strings.TrimSpace(id) == "" {
		return Invalid("taskId", "must not be empty")
	}
	return nil
}

// ParsePayload decodes and validates content as the payload variant for t.
// Text messages carry their content verbatim; every other type carries JSON.
func ParsePayload(t MessageType, content string) (Payload, error) {
	var p Payload
	var err error
	switch t {
	case MessageText:
		p = TextPayload{Text: content}
	case MessageWorkOffer:
		p, err = decodePayload[WorkOfferPayload](content)
	case MessageWorkClaim:
		p, err = decodePayload[WorkClaimPayload](content)
	case MessageWorkAccept:
		p, err = decodePayload[WorkAcceptPayload](content)
	case MessageWorkReject:
		p, err = decodePayload[WorkRejectPayload](content)
	case MessageProgressUpdate:
		p, err = decodePayload[ProgressUpdatePayload](content)
	case MessageWorkComplete:
		p, err = decodePayload[WorkCompletePayload](content)
	case MessageWorkError:
		p, err = decodePayload[WorkErrorPayload](content)
	default:
		return nil, Invalid("messageType", "%q", t)
	}
	if err != nil {
		return nil, err
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func decodePayload[T Payload](content string) (Payload, error) {
	var v T
	if err := json.Unmarshal([]byte(content), &v); err != nil {
		var zero T
		return nil, Invalid("content", "%s payload is not valid JSON: %v", zero.Type(), err)
	}
	return v, nil
}

// EncodePayload validates p and serializes it into message content.
func EncodePayload(p Payload) (string, error) {
	if p == nil {
		return "", Invalid("content", "nil payload")
	}
	if err := p.Validate(); err != nil {
		return "", err
	}
	if tp, ok := p.(TextPayload); ok {
		return tp.Text, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode %s payload: %w", p.Type(), err)
	}
	return string(data), nil
}
