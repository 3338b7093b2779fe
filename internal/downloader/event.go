package downloader

// Event represents progress or the terminal outcome of a transport.
//
// EventProgress carries Progress. Terminal events (Complete, Failed,
// Cancelled) carry the last known Progress as well so consumers can report
// how far the transfer got. TempPath is set only on EventComplete and Err
// only on EventFailed.
type Event struct {
    Type     EventType
    Progress *Progress
    TempPath string
    Err      error
}

// EventType defines the set of events that transports may emit.
type EventType string

const (
    EventProgress  EventType = "Progress"
    EventComplete  EventType = "Complete"
    EventFailed    EventType = "Failed"
    EventCancelled EventType = "Cancelled"
)

// SizeUnknown is reported as Progress.Total when the server did not declare
// a content length.
const SizeUnknown int64 = -1

// Progress holds byte counters for an in-flight download.
type Progress struct {
    Completed int64
    Total     int64
}

// Terminal reports whether e ends a transport's event sequence.
func (e Event) Terminal() bool {
    switch e.Type {
    case EventComplete, EventFailed, EventCancelled:
        return true
    }
    return false
}
