package time868

import (
	"errors"
	"strconv"
	"time"
)

var (
	// ErrClockUnavailable is returned when the wall clock reads earlier than the epoch.
	ErrClockUnavailable = errors.New("clock is before the unix epoch")
)

type Clock interface {
	Now() (uint64, error)
}

type ClockFunc func() (uint64, error)

func (f ClockFunc) Now() (uint64, error) {
	return f()
}

// SystemClock reads seconds since the epoch from the wall clock.
type SystemClock struct{}

func (SystemClock) Now() (uint64, error) {
	return secondsSinceEpoch(time.Now())
}

func secondsSinceEpoch(t time.Time) (uint64, error) {
	s := t.Unix()
	if s < 0 {
		return 0, ErrClockUnavailable
	}
	return uint64(s), nil
}

// Encode renders ts as base-10 ASCII with no terminator.
func Encode(ts uint64) []byte {
	return strconv.AppendUint(make([]byte, 0, 20), ts, 10)
}
