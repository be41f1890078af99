// Package stats provides the lightweight, runtime-toggleable counters
// used to instrument the allocators in this module, adapted from the
// kernel's own Counter_t/Cycles_t pattern: counting is free when disabled and
// a single atomic add when enabled, never a lock.
package stats

import (
	"strconv"
	"strings"
	"sync/atomic"
)

// Enabled controls whether Counter actually accumulates. It is a
// variable rather than a build tag so tests can flip it on to assert
// allocation counts without a separate build.
var Enabled = false

// Counter is a monotonically increasing statistic, e.g. allocations served
// by a given exponent.
type Counter struct{ v atomic.Int64 }

// Inc increments the counter by one when stats are enabled.
func (c *Counter) Inc() {
	if Enabled {
		c.v.Add(1)
	}
}

// Add adds delta to the counter when stats are enabled.
func (c *Counter) Add(delta int64) {
	if Enabled {
		c.v.Add(delta)
	}
}

// Load returns the counter's current value.
func (c *Counter) Load() int64 {
	return c.v.Load()
}

// Named pairs a Counter with a label, for reporting.
type Named struct {
	Name    string
	Counter *Counter
}

// Report renders a set of named counters as a human-readable block, the way
// the kernel's stats device reports its Stats2String-formatted counters. It
// returns the empty string when stats are disabled so callers can print it
// unconditionally without extra branching.
func Report(counters []Named) string {
	if !Enabled {
		return ""
	}
	var b strings.Builder
	for _, n := range counters {
		b.WriteString("\n\t#")
		b.WriteString(n.Name)
		b.WriteString(": ")
		b.WriteString(strconv.FormatInt(n.Counter.Load(), 10))
	}
	b.WriteString("\n")
	return b.String()
}
