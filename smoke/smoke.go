// Package smoke implements the -s/--smoke-test liveness probe: an
// out-of-band ICMP echo exchange interleaved with the slow transmit path,
// used to detect kernel crashes or misconfigured links induced by the
// generated traffic. The transmit loop treats the absence of a reply
// within the probe window as fatal to the run, not to the process.
//
// Author: momentics <momentics@gmail.com>
package smoke

import (
	"encoding/binary"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/trafgen/checksum"
	"github.com/momentics/trafgen/pool"
)

const (
	icmpEchoRequest = 8
	icmpEchoReply   = 0

	attempts    = 100
	pollWindow  = 50 * time.Millisecond
	probeWindow = attempts * pollWindow

	echoPayloadLen = 56

	// idstoreDepth is a power of two at least as large as attempts, so a
	// full batch of outstanding identifiers never overwrites itself.
	idstoreDepth = 128
)

// ErrNoReply is wrapped into Probe's error when no matching echo reply
// arrives within the probe window.
var ErrNoReply = fmt.Errorf("no ICMP echo reply received")

// Transmitter is the same Send(payload []byte) error contract the slow
// and ring transmit paths expose; Interleaved wraps one of those without
// needing to import the worker package.
type Transmitter interface {
	Send(payload []byte) error
}

// Interleaved wraps a Transmitter so that every packet it successfully
// sends is immediately followed by a liveness probe against dst — the
// slow path's smoke-test contract (spec.md §4.3): on probe failure the
// error carries the offending packet bytes so the caller can dump them
// as a reproducible snippet, and the worker's transmit loop terminates
// because Send now returns a non-nil error.
type Interleaved struct {
	tx  Transmitter
	dst [4]byte
}

// Interleave builds an Interleaved transmitter probing dst after each send.
func Interleave(tx Transmitter, dst [4]byte) *Interleaved {
	return &Interleaved{tx: tx, dst: dst}
}

func (it *Interleaved) Send(payload []byte) error {
	if err := it.tx.Send(payload); err != nil {
		return err
	}
	if err := Probe(it.dst); err != nil {
		return fmt.Errorf("smoke: alert, terminating transmit loop: %w (offending packet: % x)", err, payload)
	}
	return nil
}

// Probe sends up to 100 ICMP echo requests to dst, one per attempt, and
// succeeds the moment a reply from dst carries an identifier this batch
// itself issued. Every identifier generated so far in the batch is
// retained in idstore (not just the most recent one): a reply to an
// earlier attempt that arrives late still counts as success, matching
// the original's "idstore array" design rather than a single in-flight
// request.
func Probe(dst [4]byte) error {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_RAW, unix.IPPROTO_ICMP)
	if err != nil {
		return fmt.Errorf("smoke: socket: %w", err)
	}
	defer unix.Close(fd)

	if err := installEchoReplyFilter(fd); err != nil {
		return fmt.Errorf("smoke: install ICMP_FILTER: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_IP, unix.IP_TTL, 64); err != nil {
		return fmt.Errorf("smoke: set IP_TTL: %w", err)
	}

	idstore := pool.NewRingBuffer[uint16](idstoreDepth)
	rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
	addr := &unix.SockaddrInet4{Addr: dst}
	buf := make([]byte, 1024)

	for attempt := 1; attempt <= attempts; attempt++ {
		id := freshIdentifier(rnd)
		idstore.Enqueue(id)

		req := buildEchoRequest(id, uint16(attempt), rnd)
		if err := unix.Sendto(fd, req, 0, addr); err != nil {
			return fmt.Errorf("smoke: sendto: %w", err)
		}

		ready, err := pollReadable(fd, pollWindow)
		if err != nil {
			return fmt.Errorf("smoke: poll: %w", err)
		}
		if !ready {
			continue
		}

		n, from, err := unix.Recvfrom(fd, buf, 0)
		if err != nil {
			if err == unix.EAGAIN || err == unix.EWOULDBLOCK || err == unix.EINTR {
				continue
			}
			return fmt.Errorf("smoke: recvfrom: %w", err)
		}
		if matchesAny(buf[:n], from, dst, idstore) {
			return nil
		}
	}
	return fmt.Errorf("smoke: %w after %d attempts (%s)", ErrNoReply, attempts, probeWindow)
}

// freshIdentifier draws a non-zero 16-bit identifier; zero is reserved
// (matching the original's "non-zero" requirement) so an unset idstore
// slot can never be mistaken for an issued identifier.
func freshIdentifier(rnd *rand.Rand) uint16 {
	for {
		if id := uint16(rnd.Intn(1 << 16)); id != 0 {
			return id
		}
	}
}

func buildEchoRequest(id, seq uint16, rnd *rand.Rand) []byte {
	pkt := make([]byte, 8+echoPayloadLen)
	pkt[0] = icmpEchoRequest
	pkt[1] = 0 // code
	binary.BigEndian.PutUint16(pkt[4:6], id)
	binary.BigEndian.PutUint16(pkt[6:8], seq)
	for i := 0; i < echoPayloadLen; i++ {
		pkt[8+i] = byte(rnd.Intn(256))
	}
	sum := checksum.ICMP(pkt)
	binary.BigEndian.PutUint16(pkt[2:4], sum)
	return pkt
}

// pollReadable waits up to window for fd to become readable.
func pollReadable(fd int, window time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(window/time.Millisecond))
	if err != nil {
		if err == unix.EINTR {
			return false, nil
		}
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// matchesAny strips the IP header the kernel leaves on a raw ICMP read
// and validates that what remains is an echo reply from exactly dst
// carrying an identifier idstore has on record.
func matchesAny(raw []byte, from unix.Sockaddr, dst [4]byte, idstore *pool.RingBuffer[uint16]) bool {
	sa, ok := from.(*unix.SockaddrInet4)
	if !ok || sa.Addr != dst {
		return false
	}
	if len(raw) < 1 {
		return false
	}
	ihl := int(raw[0]&0x0f) * 4
	if ihl < 20 || len(raw) < ihl+8 {
		return false
	}
	icmp := raw[ihl:]
	if icmp[0] != icmpEchoReply {
		return false
	}
	gotID := binary.BigEndian.Uint16(icmp[4:6])
	return idstore.Contains(func(id uint16) bool { return id == gotID })
}

// installEchoReplyFilter restricts the socket to delivering only ICMP
// echo replies, so unrelated ICMP traffic on the host never wakes the
// poll loop. The filter is a 32-bit bitmask where a set bit drops that
// ICMP type; every type except echo-reply is dropped.
func installEchoReplyFilter(fd int) error {
	var mask uint32 = 0xffffffff
	mask &^= 1 << icmpEchoReply
	return unix.SetsockoptInt(fd, unix.SOL_RAW, unix.ICMP_FILTER, int(int32(mask)))
}
