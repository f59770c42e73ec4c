// Package clock provides the real and fake Clock implementations consumed
// across guthwine via contracts.Clock.
package clock

import (
	"sync"
	"time"

	"github.com/oxford22/guthwine/pkg/contracts"
)

// System is the production Clock, backed by time.Now.
type System struct{}

func (System) Now() time.Time { return time.Now().UTC() }

var _ contracts.Clock = System{}

// Fake is a mutable, injectable Clock for deterministic tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

// NewFake returns a Fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = t
}

var _ contracts.Clock = (*Fake)(nil)
