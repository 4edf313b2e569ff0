package events

// AlarmDuplicate is emitted for every redelivered alarm dropped by the
// dedup window.
type AlarmDuplicate struct {
	Source string
	Offset uint64
}

// AlarmConsumerRetry is emitted when creating the alarm consumer failed and
// will be attempted again.
type AlarmConsumerRetry struct {
	Stream  string
	Attempt int
	Err     error
}
