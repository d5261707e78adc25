// Package date provides a cached, thread-safe IMF-fixdate string for the
// response "date" header, avoiding a time.Now().Format() call on every
// response HEADERS frame.
package date

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"
)

// httpDateFormat is RFC 7231 §7.1.1.1's IMF-fixdate layout, the only format
// the "date" header may use on the wire.
const httpDateFormat = "Mon, 02 Jan 2006 15:04:05 GMT"

var currentDate unsafe.Pointer

var startOnce sync.Once

// Start begins a ticker that refreshes the cached date string every 500ms.
// Safe to call more than once; only the first call starts the ticker. It
// returns a stop function the caller may use to release the ticker.
func Start() func() {
	var stop func()
	startOnce.Do(func() {
		update()
		ticker := time.NewTicker(500 * time.Millisecond)
		done := make(chan struct{})
		go func() {
			for {
				select {
				case <-ticker.C:
					update()
				case <-done:
					ticker.Stop()
					return
				}
			}
		}()
		stop = func() { close(done) }
	})
	if stop == nil {
		stop = func() {}
	}
	return stop
}

func update() {
	s := time.Now().UTC().Format(httpDateFormat)
	b := []byte(s)
	atomic.StorePointer(&currentDate, unsafe.Pointer(&b))
}

// Current returns the current cached "date" header value.
func Current() string {
	p := atomic.LoadPointer(&currentDate)
	if p == nil {
		return time.Now().UTC().Format(httpDateFormat)
	}
	return string(*(*[]byte)(p))
}
