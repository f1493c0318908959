// Package realtime carries row-change notifications from the write path to
// subscribers. A subscriber names the rows it cares about with a Filter and
// receives every matching Event; what it does with the event (usually a
// refetch) is up to it.
package realtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

type EventType string

const (
	EventInsert EventType = "INSERT"
	EventUpdate EventType = "UPDATE"
	EventDelete EventType = "DELETE"
)

const (
	TableConversations = "conversations"
	TableMessages      = "messages"

	ColumnPatientID      = "patient_id"
	ColumnConversationID = "conversation_id"
)

type Event struct {
	Table          string    `json:"table"`
	Type           EventType `json:"type"`
	RecordID       int64     `json:"record_id"`
	PatientID      int64     `json:"patient_id"`
	ConversationID int64     `json:"conversation_id"`
	At             time.Time `json:"at"`
}

type Handler func(Event)

type Subscription interface {
	// Unsubscribe releases the subscription. It is safe to call more than
	// once and from several goroutines.
	Unsubscribe()
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, filter Filter, handler Handler) (Subscription, error)
}

type Broker interface {
	Publisher
	Subscriber
	Close() error
}

// Filter selects events of one table whose column equals Value. Its string
// form is "table:column=eq.value".
type Filter struct {
	Table  string
	Column string
	Value  int64
}

func ConversationsForPatient(patientID int64) Filter {
	return Filter{Table: TableConversations, Column: ColumnPatientID, Value: patientID}
}

func MessagesInConversation(conversationID int64) Filter {
	return Filter{Table: TableMessages, Column: ColumnConversationID, Value: conversationID}
}

func (f Filter) String() string {
	return fmt.Sprintf("%s:%s=eq.%d", f.Table, f.Column, f.Value)
}

func (f Filter) Validate() error {
	if f.Value <= 0 {
		return fmt.Errorf("filter %s: value must be positive", f)
	}
	switch {
	case f.Table == TableConversations && f.Column == ColumnPatientID:
	case f.Table == TableMessages && f.Column == ColumnConversationID:
	default:
		return fmt.Errorf("filter %s: unsupported table/column", f)
	}
	return nil
}

func (f Filter) Matches(event Event) bool {
	if event.Table != f.Table {
		return false
	}
	switch f.Column {
	case ColumnPatientID:
		return event.PatientID == f.Value
	case ColumnConversationID:
		return event.ConversationID == f.Value
	default:
		return false
	}
}

func ParseFilter(raw string) (Filter, error) {
	table, rest, ok := strings.Cut(strings.TrimSpace(raw), ":")
	if !ok {
		return Filter{}, fmt.Errorf("parse filter %q: missing table", raw)
	}
	column, value, ok := strings.Cut(rest, "=eq.")
	if !ok {
		return Filter{}, fmt.Errorf("parse filter %q: expected column=eq.value", raw)
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return Filter{}, fmt.Errorf("parse filter %q: %w", raw, err)
	}

	filter := Filter{Table: table, Column: column, Value: parsed}
	if err := filter.Validate(); err != nil {
		return Filter{}, err
	}
	return filter, nil
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, Event) error { return nil }

// NopPublisher discards events. It is used when change events come from
// database triggers rather than the write path.
func NopPublisher() Publisher { return nopPublisher{} }
