// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package eventloop

import (
	"context"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

func runLoop(t *testing.T, fd int, onReadable func()) *Loop {
	t.Helper()

	l, err := New()
	if err != nil {
		t.Fatalf("new loop: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := l.Run(ctx, fd, onReadable); err != nil {
			t.Errorf("run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return l
}

func TestPostRunsOnLoop(t *testing.T) {
	l := runLoop(t, -1, nil)

	ran := make(chan int, 3)
	for i := 0; i < 3; i++ {
		i := i
		l.Post(func() { ran <- i })
	}

	// posted thunks run in order
	for want := 0; want < 3; want++ {
		select {
		case got := <-ran:
			if got != want {
				t.Fatalf("order: want %d, got %d", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("thunk %d never ran", want)
		}
	}
}

func TestPostFromPostedThunk(t *testing.T) {
	l := runLoop(t, -1, nil)

	ran := make(chan struct{})
	l.Post(func() {
		l.Post(func() { close(ran) })
	})

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestReadableDelivered(t *testing.T) {
	var fds [2]int
	if err := unix.Pipe(fds[:]); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})

	readable := make(chan struct{}, 1)
	buf := make([]byte, 16)
	runLoop(t, fds[0], func() {
		// consume so level-triggered poll quiesces
		unix.Read(fds[0], buf)
		select {
		case readable <- struct{}{}:
		default:
		}
	})

	if _, err := unix.Write(fds[1], []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-readable:
	case <-time.After(2 * time.Second):
		t.Fatal("readability never delivered")
	}
}
