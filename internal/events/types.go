package events

// Event enumerates high-level topics inside the signal bridge.
type Event string

const (
	EventSignalAccepted     Event = "signal.accepted"
	EventSignalDuplicate    Event = "signal.duplicate"
	EventSignalRejected     Event = "signal.rejected"
	EventExecutionPlaced    Event = "execution.placed"
	EventExecutionFailed    Event = "execution.failed"
	EventQuoteStale         Event = "quote.stale"
	EventConnectionReplaced Event = "connection.replaced"
)
