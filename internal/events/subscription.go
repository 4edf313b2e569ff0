package events

import "time"

// SubscriptionStart is emitted when a client subscription opens its
// field handles.
type SubscriptionStart struct {
	ID            string
	OperationName string
	Fields        []string
}

// SubscriptionFieldClosed is emitted once per field handle when it reaches
// the Closed state.
type SubscriptionFieldClosed struct {
	ID        string
	Field     string
	Reason    string
	Emissions int
	Err       error
}

// SubscriptionFinish is emitted after every handle of a subscription closed.
type SubscriptionFinish struct {
	ID       string
	Duration time.Duration
}
