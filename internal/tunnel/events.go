package tunnel

// EventKind identifies which field of an Event is populated.
type EventKind int

const (
	EventOpen EventKind = iota
	EventDead
	EventError
	EventRequest
	EventClose
	EventExit
	EventURL
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventDead:
		return "dead"
	case EventError:
		return "error"
	case EventRequest:
		return "request"
	case EventClose:
		return "close"
	case EventExit:
		return "exit"
	case EventURL:
		return "url"
	default:
		return "unknown"
	}
}

// Event is the single sum-typed value workers and the pool emit
// upward. Only the fields relevant to Kind are populated; callers
// switch on Kind before reading them.
type Event struct {
	Kind EventKind

	// WorkerID identifies the worker an open/dead/request event
	// originated from.
	WorkerID string

	// Retriable is set on EventDead: whether the pool should schedule
	// a replacement worker.
	Retriable bool

	// Method and Path are set on EventRequest.
	Method string
	Path   string

	// Err is set on EventError and optionally on EventDead.
	Err error

	// Reason and Code are set on EventExit.
	Reason string
	Code   int

	// URL is set on EventURL.
	URL string
}

// Open returns an open event for the given worker.
func Open(workerID string) Event {
	return Event{Kind: EventOpen, WorkerID: workerID}
}

// Dead returns a dead event for the given worker.
func Dead(workerID string, retriable bool, err error) Event {
	return Event{Kind: EventDead, WorkerID: workerID, Retriable: retriable, Err: err}
}

// ErrorEvent returns an unrecoverable, broker-side error event.
func ErrorEvent(err error) Event {
	return Event{Kind: EventError, Err: err}
}

// Request returns a detected-request-line event.
func Request(workerID, method, path string) Event {
	return Event{Kind: EventRequest, WorkerID: workerID, Method: method, Path: path}
}

// Close returns the event emitted once after Close() completes.
func Close() Event {
	return Event{Kind: EventClose}
}

// Exit returns the event emitted when every worker has died
// non-retriably and the pool has torn itself down.
func Exit(code int, reason string) Event {
	return Event{Kind: EventExit, Code: code, Reason: reason}
}

// URLEvent returns the event carrying the canonical public URL, fired
// once the first worker opens.
func URLEvent(url string) Event {
	return Event{Kind: EventURL, URL: url}
}
