package store

// ChangeKind tells which observer a change event is routed to.
type ChangeKind int

const (
	Created ChangeKind = iota + 1
	Updated
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Created:
		return "create"
	case Updated:
		return "update"
	case Deleted:
		return "delete"
	default:
		return "unknown"
	}
}

// ChangeEvent describes one committed write. Before is nil for Created and
// After is nil for Deleted.
type ChangeEvent struct {
	Kind     ChangeKind
	Category string
	Key      string
	Before   Fields
	After    Fields
}

func (e ChangeEvent) Path() string { return Path(e.Category, e.Key) }

// ChangeSink receives change events from backends that own their data.
type ChangeSink interface {
	Publish(ev ChangeEvent)
}

// Changes derives the event for a write that moved a record from before to
// after. It returns false when nothing observable happened.
func Changes(category, key string, before, after Fields) (ChangeEvent, bool) {
	ev := ChangeEvent{Category: category, Key: key, Before: before, After: after}
	switch {
	case before == nil && after == nil:
		return ev, false
	case before == nil:
		ev.Kind = Created
	case after == nil:
		ev.Kind = Deleted
	default:
		if Equal(before, after) {
			return ev, false
		}
		ev.Kind = Updated
	}
	return ev, true
}
