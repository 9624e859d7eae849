package common

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultActionLogCapacity is the number of entries kept by an ActionLogCollector.
const DefaultActionLogCapacity = 1000

// ActionLogItem records one external command and its outcome.
type ActionLogItem struct {
	Command  string    `json:"Command"`
	Result   string    `json:"Result"`
	DateTime time.Time `json:"DateTime"`
}

func (a ActionLogItem) String() string {
	return fmt.Sprintf("%s : %s", a.Command, a.Result)
}

// ActionLogCollector is a bounded ring buffer of ActionLogItems, safe for concurrent use.
type ActionLogCollector struct {
	mu    sync.Mutex
	items []ActionLogItem
	next  int
	full  bool
}

// NewActionLogCollector creates a collector holding at most capacity entries.
func NewActionLogCollector(capacity int) *ActionLogCollector {
	if capacity <= 0 {
		capacity = DefaultActionLogCapacity
	}
	return &ActionLogCollector{items: make([]ActionLogItem, capacity)}
}

// Add records an entry, overwriting the oldest one when full.
func (c *ActionLogCollector) Add(command, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[c.next] = ActionLogItem{Command: command, Result: result, DateTime: time.Now().UTC()}
	c.next = (c.next + 1) % len(c.items)
	if c.next == 0 {
		c.full = true
	}
}

// Items returns the entries oldest first.
func (c *ActionLogCollector) Items() []ActionLogItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full {
		return append([]ActionLogItem(nil), c.items[:c.next]...)
	}
	out := make([]ActionLogItem, 0, len(c.items))
	out = append(out, c.items[c.next:]...)
	return append(out, c.items[:c.next]...)
}

// Last returns the most recent entry.
func (c *ActionLogCollector) Last() (ActionLogItem, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.full && c.next == 0 {
		return ActionLogItem{}, false
	}
	idx := (c.next - 1 + len(c.items)) % len(c.items)
	return c.items[idx], true
}

// Summary renders the entries as "command : result" lines.
func (c *ActionLogCollector) Summary() string {
	items := c.Items()
	lines := make([]string, len(items))
	for i, item := range items {
		lines[i] = item.String()
	}
	return strings.Join(lines, "\n")
}
