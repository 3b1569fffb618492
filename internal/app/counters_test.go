package app

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestCounterSet(t *testing.T) {
	c := newCounterSet()
	n := int64(3)
	c.add("publisher.dropped", func() int64 { return n })
	c.add("feed.gate.dropped", func() int64 { return 7 })
	c.add("publisher.dropped", func() int64 { return n + 1 })

	got := c.Counters()
	if len(got) != 2 || got["publisher.dropped"] != 4 || got["feed.gate.dropped"] != 7 {
		t.Fatalf("counters = %v", got)
	}

	var buf bytes.Buffer
	c.logSummary(slog.New(slog.NewTextHandler(&buf, nil)))
	line := buf.String()
	if !strings.Contains(line, "feed.gate.dropped=7") || !strings.Contains(line, "publisher.dropped=4") {
		t.Fatalf("summary = %q", line)
	}
	if strings.Index(line, "feed.gate") > strings.Index(line, "publisher") {
		t.Errorf("summary not sorted: %q", line)
	}
}
