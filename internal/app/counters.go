package app

import (
	"log/slog"
	"sort"
)

// counterSet collects the drop and throughput counters of the running
// components for /api/status and the shutdown summary.
type counterSet struct {
	names []string
	read  map[string]func() int64
}

func newCounterSet() *counterSet {
	return &counterSet{read: make(map[string]func() int64)}
}

func (c *counterSet) add(name string, fn func() int64) {
	if _, dup := c.read[name]; !dup {
		c.names = append(c.names, name)
	}
	c.read[name] = fn
}

// Counters implements handler.CounterSource.
func (c *counterSet) Counters() map[string]int64 {
	out := make(map[string]int64, len(c.read))
	for name, fn := range c.read {
		out[name] = fn()
	}
	return out
}

// logSummary writes every counter as one log record, sorted by name.
func (c *counterSet) logSummary(logger *slog.Logger) {
	names := append([]string(nil), c.names...)
	sort.Strings(names)
	attrs := make([]any, 0, len(names))
	for _, name := range names {
		attrs = append(attrs, slog.Int64(name, c.read[name]()))
	}
	logger.Info("session counters", attrs...)
}
