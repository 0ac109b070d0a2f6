package cluster

import (
	"net/http"
	"sync"
)

// Drainer tracks in-flight requests and supports graceful shutdown: once
// Drain is called new requests are refused with SHUTTING_DOWN, and Done is
// closed as soon as no request is active.
type Drainer struct {
	source Source

	mu       sync.Mutex
	draining bool
	active   int
	done     chan struct{}
	closed   bool
}

// NewDrainer returns an admitting Drainer. source is reported on the
// SHUTTING_DOWN errors it writes.
func NewDrainer(source Source) *Drainer {
	return &Drainer{
		source: source,
		done:   make(chan struct{}),
	}
}

// Middleware counts the requests handled by next.
func (d *Drainer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !d.acquire() {
			WriteError(w, NewError(d.source, CodeShuttingDown, "server is shutting down"))
			return
		}
		defer d.release()

		next.ServeHTTP(w, r)
	})
}

// Drain stops admitting requests. It is safe to call more than once.
func (d *Drainer) Drain() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.draining = true
	d.closeIfIdle()
}

// Draining reports whether Drain has been called.
func (d *Drainer) Draining() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.draining
}

// Active returns the number of requests in flight.
func (d *Drainer) Active() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// Done is closed once draining has started and the last request finished.
func (d *Drainer) Done() <-chan struct{} {
	return d.done
}

func (d *Drainer) acquire() bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.draining {
		return false
	}
	d.active++
	return true
}

func (d *Drainer) release() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.active--
	d.closeIfIdle()
}

func (d *Drainer) closeIfIdle() {
	if d.draining && d.active == 0 && !d.closed {
		d.closed = true
		close(d.done)
	}
}
