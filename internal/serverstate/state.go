// Package serverstate tracks the coarse process status and optionally
// mirrors it into a shared store so external supervisors can watch a fleet
// of brokers.
package serverstate

import (
	"sync/atomic"

	"github.com/tarora2/svr/internal/logx"
)

// State is the externally visible process status.
type State struct {
	Status string `json:"status"`
}

// Store persists the state outside the process.
type Store interface {
	Save(State) error
	Load() (State, error)
	Close() error
}

var (
	state    atomic.Value
	draining atomic.Bool
	store    atomic.Value
)

func init() {
	state.Store("not_ready")
}

// SetStore attaches a shared store; subsequent SetState calls mirror into
// it.
func SetStore(s Store) {
	store.Store(&s)
}

// SetState sets the server state string.
func SetState(s string) {
	state.Store(s)
	if v, ok := store.Load().(*Store); ok && v != nil {
		if err := (*v).Save(State{Status: s}); err != nil {
			logx.Log.Warn().Err(err).Msg("state store save")
		}
	}
}

// GetState returns the current server state.
func GetState() string {
	if v, ok := state.Load().(string); ok {
		return v
	}
	return "unknown"
}

// StartDrain marks the server as draining.
func StartDrain() {
	draining.Store(true)
	SetState("draining")
}

// IsDraining reports whether the server is draining.
func IsDraining() bool {
	return draining.Load()
}
