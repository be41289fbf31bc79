// Copyright 2016-2021 National Technology & Engineering Solutions of Sandia, LLC (NTESS).
// Under the terms of Contract DE-NA0003525 with NTESS, the U.S. Government retains certain
// rights in this software.

package bridge

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"

	"bridged/internal/metrics"
	log "bridged/pkg/minilog"
)

// tapFrameMax bounds one tap read. Frames on the bridge are standard
// Ethernet plus a little slack.
const tapFrameMax = 2048

// Tap shuttles Ethernet frames between the tap fd and the packet engine.
// Reads happen one frame at a time on the event-loop goroutine; writes may
// come from any goroutine and are serialized so a scatter-gather frame is
// never interleaved with another.
type Tap struct {
	st *State
	fd int

	onFrame func([]byte)

	writeMu sync.Mutex
	buf     [tapFrameMax]byte
}

// NewTap wraps st's tap fd. onFrame receives each inbound frame; the slice
// is only valid for the duration of the call.
func NewTap(st *State, onFrame func([]byte)) *Tap {
	return &Tap{st: st, fd: st.TapFd, onFrame: onFrame}
}

// OnReadable performs one frame read. On a read error it logs and returns,
// leaving the fd armed for the next readiness event; otherwise it hands
// the frame to the packet engine.
func (t *Tap) OnReadable() {
	n, err := unix.Read(t.fd, t.buf[:])
	if err != nil {
		log.Debug("tap read: %v", err)
		return
	}
	if n <= 0 {
		return
	}

	metrics.FramesIn.Inc()
	t.st.LogTapPacket('I', t.buf[:n])
	t.onFrame(t.buf[:n])
}

// Write writes one frame scatter-gather. The write mutex guarantees the
// whole iovec reaches the kernel before the next frame starts.
func (t *Tap) Write(iov ...[]byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := unix.Writev(t.fd, iov); err != nil {
		return fmt.Errorf("tap writev: %w", err)
	}

	metrics.FramesOut.Inc()
	t.st.LogTapPacket('O', iov...)
	return nil
}

func closeFd(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}
