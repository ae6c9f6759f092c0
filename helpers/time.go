package helpers

import "time"

func IntSecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Second
}

func IntMillisecondDefault(x int, def time.Duration) time.Duration {
	if x == 0 {
		return def
	}
	return time.Duration(x) * time.Millisecond
}

// GridDelay returns how long to sleep from `now` to the next multiple of `period`
// counted from Unix epoch. Exactly on the grid means a full period.
// Wake-ups stay aligned to wall clock regardless of how long the work took.
func GridDelay(now time.Time, period time.Duration) time.Duration {
	if period <= 0 {
		return 0
	}
	rem := time.Duration(now.UnixNano() % int64(period))
	return period - rem
}
