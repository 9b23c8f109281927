// Package tasks runs fire-and-continue background work whose outcome is reported through
// persisted records rather than return values.
package tasks

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// Group tracks background tasks so shutdown can wait for them.
type Group struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger logrus.FieldLogger
	wg     sync.WaitGroup
}

// NewGroup returns a Group whose tasks run under a context detached from request lifetimes.
func NewGroup(logger logrus.FieldLogger) *Group {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Group{ctx: ctx, cancel: cancel, logger: logger}
}

// Go starts fn in the background. Panics are recovered and logged.
func (g *Group) Go(name string, fn func(ctx context.Context) error) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				g.logger.WithFields(logrus.Fields{
					"task":  name,
					"panic": fmt.Sprint(r),
					"stack": string(debug.Stack()),
				}).Error("background task panicked")
			}
		}()
		if err := fn(g.ctx); err != nil {
			g.logger.WithError(err).WithField("task", name).Warn("background task finished with error")
		}
	}()
}

// Wait blocks until every started task returned.
func (g *Group) Wait() {
	g.wg.Wait()
}

// Shutdown cancels the shared context and waits for running tasks.
func (g *Group) Shutdown() {
	g.cancel()
	g.wg.Wait()
}
