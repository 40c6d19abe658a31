package billing

import "time"

// Clock abstracts "now" so schedule and status logic stay testable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }

// FixedClock always returns the same instant. Test helper, also handy for
// replaying a tick at a known time from the CLI.
type FixedClock struct{ T time.Time }

func (c FixedClock) Now() time.Time { return c.T }
