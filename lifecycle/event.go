package lifecycle

// EventKind tags an external signal entering the state machine. Reaction-
// style control flow from the transports is normalized into these variants
// and dispatched through a single transition table, never branched ad hoc.
type EventKind string

const (
	EventSubmitted         EventKind = "submitted"
	EventApprovalAdded     EventKind = "approval_added"
	EventApprovalRemoved   EventKind = "approval_removed"
	EventOriginRemoved     EventKind = "origin_removed"
	EventEarlyExecRequest  EventKind = "early_exec_requested"
	EventCalendarRequested EventKind = "calendar_requested"
	EventCalendarRevoked   EventKind = "calendar_revoked"
	EventManualCancel      EventKind = "manual_cancel"
)

// Event is one external signal. Fields beyond Kind and Partition are
// populated per variant:
//
//   - Submitted: RequestID (transport-chosen, e.g. message id — may be empty
//     to let the manager assign one), Origin, Requester, RawText
//   - ApprovalAdded / EarlyExecRequested: RequestID, Actor
//   - ApprovalRemoved / OriginRemoved / CalendarRequested / CalendarRevoked:
//     RequestID
//   - ManualCancel: JobID
type Event struct {
	Kind      EventKind
	Partition string
	RequestID string
	Origin    string
	Requester string
	RawText   string
	Actor     string
	JobID     string
}
