package domain

// Subscription is a live stream of row changes. Events is closed once the
// subscription ends, either through Close or because the source went away.
type Subscription interface {
	Events() <-chan RowChange
	Close() error
}
