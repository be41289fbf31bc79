// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

// Package eventloop drives the bridge's single-threaded dispatch: tap
// readiness callbacks and completion thunks posted by worker goroutines
// all run on one goroutine, so the packet path never needs a lock beyond
// the ones the tables already carry.
package eventloop

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	log "bridged/pkg/minilog"
)

// postedBacklog bounds how many completion thunks can queue before Post
// blocks. The loop drains the whole backlog every wakeup, so this only
// back-pressures a runaway poster.
const postedBacklog = 256

// Loop multiplexes one fd's readability with a queue of posted thunks.
// Run owns its goroutine; Post is the only entry point other goroutines
// may use.
type Loop struct {
	posted chan func()

	// wake pipe: Post writes one byte to pull Run out of poll
	wakeR, wakeW int
}

// New returns a loop ready to Run.
func New() (*Loop, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}

	return &Loop{
		posted: make(chan func(), postedBacklog),
		wakeR:  fds[0],
		wakeW:  fds[1],
	}, nil
}

// Post queues fn to run on the loop goroutine. It never runs fn inline.
// Safe to call from any goroutine, including the loop's own.
func (l *Loop) Post(fn func()) {
	l.posted <- fn

	// A full pipe already guarantees a pending wakeup.
	if _, err := unix.Write(l.wakeW, []byte{0}); err != nil && err != unix.EAGAIN {
		log.Error("event loop wake: %v", err)
	}
}

// Run blocks, dispatching until ctx is cancelled. When fd is non-negative
// its readability is delivered to onReadable, one call per wakeup; posted
// thunks are drained completely each time the loop wakes. Neither callback
// may block: long work belongs on a worker goroutine that Posts its
// completion.
func (l *Loop) Run(ctx context.Context, fd int, onReadable func()) error {
	defer unix.Close(l.wakeR)
	defer unix.Close(l.wakeW)

	stop := context.AfterFunc(ctx, func() {
		l.Post(func() {})
	})
	defer stop()

	for {
		if ctx.Err() != nil {
			log.Info("event loop done: %v", ctx.Err())
			return nil
		}

		pollfds := []unix.PollFd{{Fd: int32(l.wakeR), Events: unix.POLLIN}}
		if fd >= 0 {
			pollfds = append(pollfds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		}

		if _, err := unix.Poll(pollfds, -1); err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("poll: %w", err)
		}

		if pollfds[0].Revents&unix.POLLIN != 0 {
			l.drainWake()
		}
		l.runPosted()

		if fd >= 0 && pollfds[1].Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			onReadable()
		}
	}
}

func (l *Loop) drainWake() {
	var buf [64]byte
	for {
		if _, err := unix.Read(l.wakeR, buf[:]); err != nil {
			return
		}
	}
}

func (l *Loop) runPosted() {
	for {
		select {
		case fn := <-l.posted:
			fn()
		default:
			return
		}
	}
}
