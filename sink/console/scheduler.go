package console

import (
	"sync"
	"time"

	"github.com/rivo/tview"
)

// drawScheduler coalesces redraw closures by key and applies them in
// batches on the application's event loop, capped at a fixed frame rate.
// Scheduling the same key again before a flush replaces the queued
// closure, so a burst of model changes costs one redraw.
type drawScheduler struct {
	app       *tview.Application
	frameTime time.Duration
	drain     time.Duration
	observe   func(time.Duration)

	mu      sync.Mutex
	pending map[string]func()

	quit chan struct{}
	done chan struct{}
}

func newDrawScheduler(app *tview.Application, fps int, drain time.Duration, observe func(time.Duration)) *drawScheduler {
	if fps <= 0 {
		fps = DefaultFPS
	}
	return &drawScheduler{
		app:       app,
		frameTime: time.Second / time.Duration(fps),
		drain:     drain,
		observe:   observe,
		pending:   make(map[string]func()),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Schedule queues fn under key for the next frame.
func (s *drawScheduler) Schedule(key string, fn func()) {
	s.mu.Lock()
	s.pending[key] = fn
	s.mu.Unlock()
}

func (s *drawScheduler) Start() {
	go s.loop()
}

// Stop flushes what is still pending, bounded by the drain window. It must
// run while the event loop is still processing updates; QueueUpdateDraw
// blocks forever once the application has stopped.
func (s *drawScheduler) Stop() {
	close(s.quit)
	select {
	case <-s.done:
	case <-time.After(s.drain):
	}
}

func (s *drawScheduler) loop() {
	defer close(s.done)

	ticker := time.NewTicker(s.frameTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush(0)
		case <-s.quit:
			s.flush(s.drain)
			return
		}
	}
}

// flush applies pending batches until none remain or the bound elapses.
// A zero bound means no limit.
func (s *drawScheduler) flush(bound time.Duration) {
	var deadline time.Time
	if bound > 0 {
		deadline = time.Now().Add(bound)
	}
	for {
		if !deadline.IsZero() && time.Now().After(deadline) {
			return
		}

		s.mu.Lock()
		if len(s.pending) == 0 {
			s.mu.Unlock()
			return
		}
		batch := make([]func(), 0, len(s.pending))
		for _, fn := range s.pending {
			batch = append(batch, fn)
		}
		clear(s.pending)
		s.mu.Unlock()

		queued := time.Now()
		s.app.QueueUpdateDraw(func() {
			for _, fn := range batch {
				fn()
			}
			if s.observe != nil {
				s.observe(time.Since(queued))
			}
		})
	}
}
