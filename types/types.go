package types

import "time"

type LifecycleManager interface {
	Start() error
	Stop() error
	IsRunning() bool
}

// Clock returns the current time. Components take one so tests can move time by hand.
type Clock func() time.Time
