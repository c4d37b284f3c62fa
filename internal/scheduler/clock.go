package scheduler

import (
	"time"

	"github.com/benbjohnson/clock"
)

// Timer is a pending callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock abstracts time so timer-driven code can be tested deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

var wall = clock.New()

// RealClock is the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return wall.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer { return wall.AfterFunc(d, f) }

// FromClock adapts any clock.Clock, such as a clock.Mock shared with other
// components.
func FromClock(c clock.Clock) Clock { return adapted{c} }

type adapted struct{ c clock.Clock }

func (a adapted) Now() time.Time { return a.c.Now() }

func (a adapted) AfterFunc(d time.Duration, f func()) Timer { return a.c.AfterFunc(d, f) }
