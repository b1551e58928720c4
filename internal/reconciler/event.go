package reconciler

import (
	"fmt"

	"k8s.io/apimachinery/pkg/watch"
)

// EventType is the closed set of changes a handler can observe.
type EventType int

const (
	// Listed marks an object delivered by the list phase.
	Listed EventType = iota
	Added
	Modified
	Deleted
	Bookmark
	Error
)

var eventNames = [...]string{
	Listed:   "LISTED",
	Added:    "ADDED",
	Modified: "MODIFIED",
	Deleted:  "DELETED",
	Bookmark: "BOOKMARK",
	Error:    "ERROR",
}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return fmt.Sprintf("EventType(%d)", int(t))
	}
	return eventNames[t]
}

// Created reports whether the event introduces an object the handler has
// not seen in the current cycle.
func (t EventType) Created() bool {
	return t == Listed || t == Added
}

// ParseEventType maps a watch event type onto EventType. Unknown values are
// an error.
func ParseEventType(t watch.EventType) (EventType, error) {
	switch t {
	case watch.Added:
		return Added, nil
	case watch.Modified:
		return Modified, nil
	case watch.Deleted:
		return Deleted, nil
	case watch.Bookmark:
		return Bookmark, nil
	case watch.Error:
		return Error, nil
	}
	return 0, fmt.Errorf("unrecognized watch event type %q", t)
}
