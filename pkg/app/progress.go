package app

import (
	"context"

	"github.com/oetiker/go-acme-cert-manager/pkg/common"
	"github.com/oetiker/go-acme-cert-manager/pkg/progress"
)

// followProgress passes the progress events of itemID (progress.AllKeys for every item)
// to logf until the returned stop function is called. stop waits for the pending events.
func followProgress(ctx context.Context, reporter *progress.Reporter, itemID string, logf func(string, ...interface{})) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	events := reporter.Subscribe(ctx, itemID)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range events {
			logProgress(ev, logf)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func logProgress(ev common.RequestProgressState, logf func(string, ...interface{})) {
	if ev.Message == "" {
		return
	}
	logf("[%s] %s: %s", ev.ManagedItemID, ev.CurrentState, ev.Message)
}
