// Package slowpath implements the blocking sendto() transmit path: one
// syscall per packet, used whenever the fast TX-ring path is forced off
// (smoke-test mode or an explicit inter-packet gap).
//
// Author: momentics <momentics@gmail.com>
package slowpath

import (
	"fmt"
	"runtime"
	"time"

	"github.com/eapache/queue"
	"golang.org/x/sys/unix"

	"github.com/momentics/trafgen/api"
)

// recentRetriesCap bounds how many ENOBUFS retry timestamps are retained
// for the diagnostics queue; older ones are evicted FIFO.
const recentRetriesCap = 256

// Sender owns a single AF_PACKET SOCK_RAW socket bound to one interface
// and transmits packets one at a time via sendto().
type Sender struct {
	fd      int
	addr    unix.SockaddrLinklayer
	gap     time.Duration
	closed  bool
	retries *queue.Queue // recent ENOBUFS retry timestamps, for diagnostics
}

// Open binds a raw packet socket to ifindex. gap, if non-zero, is slept
// between successive Send calls (the -t/--gap flag, spec.md §6).
func Open(ifindex int, gap time.Duration) (*Sender, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("slowpath: socket: %w", err)
	}
	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifindex}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("slowpath: bind: %w", err)
	}
	return &Sender{fd: fd, addr: addr, gap: gap, retries: queue.New()}, nil
}

func htons(i uint16) uint16 { return (i<<8)&0xff00 | i>>8 }

// Send transmits payload, retrying on ENOBUFS by yielding the scheduler
// (runtime.Gosched) rather than sleeping, matching the original's
// busy-retry loop around sendto(). Every retry is recorded in a bounded
// diagnostics queue so RetryHistory can report recent saturation.
func (s *Sender) Send(payload []byte) error {
	if s.closed {
		return api.ErrTransportClosed
	}
	for {
		err := unix.Sendto(s.fd, payload, 0, &s.addr)
		if err == nil {
			break
		}
		if err == unix.ENOBUFS {
			s.recordRetry()
			runtime.Gosched()
			continue
		}
		return fmt.Errorf("slowpath: sendto: %w", err)
	}

	if s.gap > 0 {
		time.Sleep(s.gap)
	}
	return nil
}

func (s *Sender) recordRetry() {
	s.retries.Add(time.Now())
	for s.retries.Length() > recentRetriesCap {
		s.retries.Remove()
	}
}

// RetryHistory returns the timestamps of the most recent ENOBUFS retries,
// oldest first, for use by the control/debug surface.
func (s *Sender) RetryHistory() []time.Time {
	n := s.retries.Length()
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		out[i] = s.retries.Get(i).(time.Time)
	}
	return out
}

// Close releases the socket.
func (s *Sender) Close() error {
	s.closed = true
	return unix.Close(s.fd)
}

// SendFromPool draws a buffer from pool sized to len(payload), copies
// payload into it, sends it, and releases it back to the pool — the
// slow path's equivalent of the ring's zero-copy slot reuse.
func (s *Sender) SendFromPool(pool api.BufferPool, payload []byte) error {
	buf := pool.Get(len(payload), -1)
	defer buf.Release()
	copy(buf.Bytes(), payload)
	return s.Send(buf.Bytes()[:len(payload)])
}
