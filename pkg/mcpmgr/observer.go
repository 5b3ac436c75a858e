package mcpmgr

import "time"

// ConnectionObservation describes one state transition of a connection.
type ConnectionObservation struct {
	Server       string
	ConnectionID string
	From         State
	To           State
	Err          error
}

// InvokeObservation describes one finished tools/call.
type InvokeObservation struct {
	Server       string
	ConnectionID string
	Tool         string
	Duration     time.Duration
	Err          error
}

// Observer receives lifecycle and invocation events. Implementations must be
// safe for concurrent use and must not block.
type Observer interface {
	ObserveConnection(ConnectionObservation)
	ObserveInvoke(InvokeObservation)
}

type nopObserver struct{}

func (nopObserver) ObserveConnection(ConnectionObservation) {}
func (nopObserver) ObserveInvoke(InvokeObservation)         {}
