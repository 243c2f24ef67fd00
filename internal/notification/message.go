// Package notification publishes command status events to the notification bus.
package notification

import (
	"github.com/jarrod-lowe/cqrs-command-log/internal/command"
	"github.com/jarrod-lowe/cqrs-command-log/internal/dynamo"
)

// ActionCommandStatus is the action of every status event.
const ActionCommandStatus = "command-status"

// Message is the status event wire format. Consumers deduplicate by
// (pk, sk, content.status); sk carries the version suffix.
type Message struct {
	Action     string  `json:"action"`
	PK         string  `json:"pk"`
	SK         string  `json:"sk"`
	Table      string  `json:"table"`
	TenantCode string  `json:"tenantCode"`
	ID         string  `json:"id"`
	Content    Content `json:"content"`
}

// Content is the status payload of a Message.
type Content struct {
	Status string `json:"status"`
	Source string `json:"source"`
	Stage  string `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
}

// NewMessage builds the status event for a command. failure may be nil.
func NewMessage(table string, rec *command.CommandRecord, status command.Status, failure *command.Failure) Message {
	msg := Message{
		Action:     ActionCommandStatus,
		PK:         rec.PK,
		SK:         rec.SK,
		Table:      table,
		TenantCode: rec.TenantCode,
		ID:         rec.ID,
		Content: Content{
			Status: string(status),
			Source: rec.Source,
		},
	}
	if failure != nil {
		msg.Content.Stage = failure.Stage
		msg.Content.Error = failure.Reason
	}
	return msg
}

// Version returns the command version encoded in the sort key, or 0.
func (m Message) Version() int {
	_, v, err := dynamo.ParseSortKeyVersion(m.SK)
	if err != nil {
		return 0
	}
	return v
}

// IsTerminal reports whether the message announces a settled pipeline.
func (m Message) IsTerminal() bool {
	return command.Status(m.Content.Status).IsTerminal()
}
