package engine

import (
	"time"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/activity"
)

// ChangeEvent announces that a group's projection changed.
type ChangeEvent struct {
	GroupID         string          `json:"group_id"`
	Kinds           []activity.Kind `json:"kinds"`
	CompletedBooks  []string        `json:"completed_books,omitempty"`
	CompletedCovers []string        `json:"completed_covers,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// Empty reports whether the event carries no change.
func (e ChangeEvent) Empty() bool {
	return len(e.Kinds) == 0 && len(e.CompletedBooks) == 0 && len(e.CompletedCovers) == 0
}

// EventSink receives change events. Publish must not block.
type EventSink interface {
	Publish(event ChangeEvent)
}

type discardSink struct{}

func (discardSink) Publish(ChangeEvent) {}
