package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcher_Uncapped(t *testing.T) {
	d, err := New(8, 100, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	var wg sync.WaitGroup
	var ran int32
	wg.Add(5)
	for i := 0; i < 5; i++ {
		d.Submit(func() {
			atomic.AddInt32(&ran, 1)
			wg.Done()
		}, nil)
	}
	wg.Wait()
	if ran != 5 {
		t.Fatalf("expected 5 tasks to run, got %d", ran)
	}
}

func TestDispatcher_CapAndOverflow(t *testing.T) {
	d, err := New(8, 1, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	release := make(chan struct{})
	started := make(chan struct{}, 1)

	d.Submit(func() {
		started <- struct{}{}
		<-release
	}, nil)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("first task never started")
	}

	done2 := make(chan struct{})
	d.Submit(func() { close(done2) }, nil)

	// With cap=1 and the first task still running, the second must be
	// queued rather than started.
	select {
	case <-done2:
		t.Fatal("second task ran before the first completed")
	case <-time.After(50 * time.Millisecond):
	}
	if got := d.QueueDepth(); got != 1 {
		t.Fatalf("expected queue depth 1, got %d", got)
	}

	close(release)

	select {
	case <-done2:
	case <-time.After(time.Second):
		t.Fatal("second task never ran after first completed")
	}
}

func TestDispatcher_CappedPanicRecovered(t *testing.T) {
	d, err := New(8, 1, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	recoveredCh := make(chan interface{}, 1)
	d.Submit(func() {
		panic("boom")
	}, func(r interface{}) {
		recoveredCh <- r
	})

	select {
	case r := <-recoveredCh:
		if r != "boom" {
			t.Fatalf("expected recovered value boom, got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected capped-mode panic to be recovered and reported")
	}
}

func TestDispatcher_PanicRecovered(t *testing.T) {
	d, err := New(8, 100, 100, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer d.Release()

	recoveredCh := make(chan interface{}, 1)
	d.Submit(func() {
		panic("boom")
	}, func(r interface{}) {
		recoveredCh <- r
	})

	select {
	case r := <-recoveredCh:
		if r != "boom" {
			t.Fatalf("expected recovered value boom, got %v", r)
		}
	case <-time.After(time.Second):
		t.Fatal("expected panic to be recovered and reported")
	}
}
