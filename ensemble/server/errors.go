package server

import (
	"errors"

	"github.com/ensemble-stats/ensemble-stats/ensemble/accum"
	"github.com/ensemble-stats/ensemble-stats/ensemble/checkpoint"
	"github.com/ensemble-stats/ensemble-stats/ensemble/partition"
)

// Protocol anomalies: the offending message is logged and dropped.
var (
	ErrDuplicateField = errors.New("server: field already registered")
	ErrUnknownField   = errors.New("server: field not registered")
	// ErrUnknownSlot reports data from a producer rank that routes nothing
	// to this server rank.
	ErrUnknownSlot = errors.New("server: no slot for producer rank")
	// ErrDuplicateStep reports data for a (simulation, time step) already
	// folded into the slot.
	ErrDuplicateStep = errors.New("server: time step already folded")
	// ErrUnexpectedMessage reports a control message only the server sends.
	ErrUnexpectedMessage = errors.New("server: unexpected control message")
)

// ErrNoData reports a result requested before any sample reached it.
var ErrNoData = errors.New("server: no data for time step")

// errStop ends the message loop after the in-flight message.
var errStop = errors.New("server: stop requested")

var fatal = []error{
	partition.ErrConfigurationMismatch,
	accum.ErrNotInitialized,
	accum.ErrSizeMismatch,
	checkpoint.ErrCorrupt,
	checkpoint.ErrMismatch,
}

// IsFatal reports whether err must terminate the server rank. Continuing
// after a fatal error would silently corrupt statistics.
func IsFatal(err error) bool {
	for _, target := range fatal {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
