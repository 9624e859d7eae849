package common

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

func TestActionLogCollector_Wraps(t *testing.T) {
	c := NewActionLogCollector(3)
	for i := 0; i < 5; i++ {
		c.Add(fmt.Sprintf("cmd%d", i), "ok")
	}

	items := c.Items()
	if len(items) != 3 {
		t.Fatalf("expected 3 items, got %d", len(items))
	}
	if items[0].Command != "cmd2" || items[2].Command != "cmd4" {
		t.Errorf("unexpected order: %v", items)
	}

	last, ok := c.Last()
	if !ok || last.Command != "cmd4" {
		t.Errorf("Last() = %v, %v", last, ok)
	}
}

func TestActionLogCollector_Summary(t *testing.T) {
	c := NewActionLogCollector(0)
	if _, ok := c.Last(); ok {
		t.Error("empty collector should have no last item")
	}
	c.Add("create-txt", "exit 0")
	c.Add("delete-txt", "exit 1")

	want := "create-txt : exit 0\ndelete-txt : exit 1"
	if got := c.Summary(); got != want {
		t.Errorf("Summary() = %q, want %q", got, want)
	}
}

func TestActionLogCollector_DefaultCapacity(t *testing.T) {
	c := NewActionLogCollector(0)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 400; i++ {
				c.Add("cmd", "ok")
			}
		}()
	}
	wg.Wait()

	if n := len(c.Items()); n != DefaultActionLogCapacity {
		t.Errorf("expected %d items, got %d", DefaultActionLogCapacity, n)
	}
	if strings.Count(c.Summary(), "\n") != DefaultActionLogCapacity-1 {
		t.Error("summary should have one line per item")
	}
}
