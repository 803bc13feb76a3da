// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

package rabbit

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// LoggerFunc is a pluggable callback for error reporting.
type LoggerFunc func(error)

// Listener holds the settings of a dispatching subscriber.
//   - consumer: source of received messages
//   - gos:      number of worker goroutines an Instance runs
//
// Listener does not process messages itself; Init creates an Instance that does.
type Listener struct {
	consumer   Consumer
	gos        int
	loggerFunc LoggerFunc
}

// NewListener constructs a Listener with a single worker.
func NewListener(consumer Consumer) *Listener {
	return &Listener{
		gos:      1,
		consumer: consumer,
	}
}

// SetConcurrency sets the number of workers of the next Instance. n must be at
// least 1 and is clamped by runtime.GOMAXPROCS(0).
func (l *Listener) SetConcurrency(n int) error {
	if n < 1 {
		return fmt.Errorf("invalid goroutines count: %d", n)
	}

	l.gos = min(n, runtime.GOMAXPROCS(0))

	return nil
}

// SetLogger overrides error reporting. Pass nil to restore the global zap logger.
func (l *Listener) SetLogger(logger LoggerFunc) {
	l.loggerFunc = logger
}

// Instance is a running listener created from Listener.
//   - workChan: feeds handler calls to the workers
//   - wg:       joins the workers
//   - done:     closed once ListenAndServe has returned and every worker finished
type Instance struct {
	workChan   chan func()
	wg         sync.WaitGroup
	done       chan struct{}
	started    atomic.Bool
	gos        int
	router     Router
	consumer   Consumer
	loggerFunc LoggerFunc
}

// Init takes a snapshot of router and returns a ready-to-run Instance.
// Later changes to router do not affect the Instance.
func (l *Listener) Init(router Router) *Instance {
	logger := l.loggerFunc
	if logger == nil {
		logger = func(err error) {
			zap.L().Named("rabbit").Error("listener", zap.Error(err))
		}
	}

	return &Instance{
		workChan:   make(chan func(), 1),
		done:       make(chan struct{}),
		gos:        l.gos,
		router:     router.clone(),
		consumer:   l.consumer,
		loggerFunc: logger,
	}
}

// ListenAndServe starts the workers and dispatches every message returned by
// the consumer to the handler of its routing key. Messages without a handler
// are logged and skipped. It returns the error that ended the consumer, or
// ctx.Err, after the workers have finished the messages already handed to them.
func (l *Instance) ListenAndServe(ctx context.Context) error {
	if len(l.router) == 0 {
		return EmptyRouteError{}
	}

	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener instance already started")
	}

	for range l.gos {
		l.wg.Add(1)

		go runner(l.workChan, &l.wg)
	}

	defer func() {
		close(l.workChan)
		l.wg.Wait()
		close(l.done)
	}()

	for {
		msg, err := l.consumer.Next(ctx)
		if err != nil {
			return err
		}

		handler, ok := l.router[msg.RoutingKey()]
		if !ok {
			l.loggerFunc(fmt.Errorf("%w, routing key: %s", UnroutedMessageError{}, msg.RoutingKey()))

			continue
		}

		l.workChan <- func() {
			handler(msg)
		}
	}
}

// Shutdown stops the consumer and waits until ListenAndServe has drained the
// messages already received and every worker finished, or until ctx is done.
func (l *Instance) Shutdown(ctx context.Context) error {
	if err := l.consumer.StopListen(); err != nil {
		l.loggerFunc(fmt.Errorf("%w: %w", ConsumerStopError{}, err))
	}

	if !l.started.Load() {
		return nil
	}

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// runner executes tasks from workChan and signals completion via WaitGroup.
func runner(workChan chan func(), wg *sync.WaitGroup) {
	for work := range workChan {
		work()
	}

	wg.Done()
}
