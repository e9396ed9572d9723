package opt

import (
	"sync"
	"time"
)

// Metrics summarises one solve.
type Metrics struct {
	Attempts   int           `json:"attempts"`
	Insertions int           `json:"insertions"`
	Evaluated  int           `json:"evaluated"`
	Fetches    int           `json:"matrixFetches"`
	Cost       float64       `json:"cost"`
	Duration   time.Duration `json:"durationNs"`
	Success    bool          `json:"success"`
}

// DayMetrics aggregates the solves of one community and day.
type DayMetrics struct {
	Solves    int           `json:"solves"`
	Failures  int           `json:"failures"`
	Attempts  int           `json:"attempts"`
	Evaluated int           `json:"evaluated"`
	Duration  time.Duration `json:"durationNs"`
	Last      Metrics       `json:"last"`
}

type key struct {
	Community string
	Day       string
}

var (
	mu       sync.Mutex
	store    = map[key]DayMetrics{}
	observer func(Metrics)
)

// Observe installs a hook called for every recorded solve (prometheus export).
func Observe(fn func(Metrics)) {
	mu.Lock()
	observer = fn
	mu.Unlock()
}

func RecordMetrics(community, day string, m Metrics) {
	mu.Lock()
	k := key{Community: community, Day: day}
	d := store[k]
	d.Solves++
	if !m.Success {
		d.Failures++
	}
	d.Attempts += m.Attempts
	d.Evaluated += m.Evaluated
	d.Duration += m.Duration
	d.Last = m
	store[k] = d
	fn := observer
	mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

// GetMetrics returns the per-day aggregates of a community; an empty day selects all days.
func GetMetrics(community, day string) map[string]DayMetrics {
	mu.Lock()
	defer mu.Unlock()
	out := map[string]DayMetrics{}
	for k, v := range store {
		if k.Community == community && (day == "" || k.Day == day) {
			out[k.Day] = v
		}
	}
	return out
}
