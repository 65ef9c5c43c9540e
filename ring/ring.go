// Package ring implements the zero-copy fast transmit path: an AF_PACKET
// PACKET_TX_RING mmapped into user space, filled directly with packet
// bytes, and flushed by a periodic kernel-pull tick rather than a
// sendto() per packet.
//
// Author: momentics <momentics@gmail.com>
package ring

import (
	"encoding/binary"
	"fmt"
	"runtime"
	"time"

	"golang.org/x/sys/unix"

	"github.com/momentics/trafgen/api"
)

// Frame header offsets for TPACKET_V1, the version PACKET_TX_RING defaults
// to when PACKET_VERSION is left unset. These mirror struct tpacket_hdr in
// <linux/if_packet.h>: tp_status is a word-sized field but only its low 32
// bits ever carry a TP_STATUS_* flag, so a 32-bit read/write at offset 0
// is sufficient and keeps the accessor portable across 32/64-bit kernels.
const (
	hdrStatusOffset  = 0
	hdrLenOffset     = 8
	hdrSnaplenOffset = 12
)

// tpacketAlignment is TPACKET_ALIGNMENT from <linux/if_packet.h>: every
// tpacket_hdr-relative offset the kernel hands out is rounded up to a
// multiple of this.
const tpacketAlignment = 16

func tpacketAlign(x int) int { return (x + tpacketAlignment - 1) &^ (tpacketAlignment - 1) }

// txDataOffset is the fixed byte offset from the start of a TX ring slot
// to where frame bytes must be written. tp_mac is an RX-only field — the
// kernel never populates it for PACKET_TX_RING, so it reads back as 0 and
// using it to locate the payload writes frame bytes over the header
// itself while the kernel still reads zeroed data at the real data
// offset. TX writers instead use a version-fixed offset computed from
// TPACKET_HDRLEN, mirroring trafgen.c:624's
// "TPACKET_ALIGN(TPACKET_HDRLEN) - sizeof(struct sockaddr_ll)" (trafgen.c
// computes the analogous value from TPACKET2_HDRLEN for the V2 header it
// targets; this ring uses TPACKET_V1, hence TPACKET_HDRLEN here).
var txDataOffset = tpacketAlign(tpacketAlign(unix.SizeofTpacketHdr)+unix.SizeofSockaddrLinklayer) - unix.SizeofSockaddrLinklayer

// frame is one slot of the mmapped TX ring.
type frame []byte

func (f frame) status() uint32 { return binary.LittleEndian.Uint32(f[hdrStatusOffset:]) }
func (f frame) setStatus(s uint32) {
	binary.LittleEndian.PutUint32(f[hdrStatusOffset:], s)
}
func (f frame) setLen(n uint32) {
	binary.LittleEndian.PutUint32(f[hdrLenOffset:], n)
	binary.LittleEndian.PutUint32(f[hdrSnaplenOffset:], n)
}

// payload returns the slice of f starting at txDataOffset, i.e. where the
// caller's frame bytes go on a TX ring.
func (f frame) payload() []byte { return f[txDataOffset:] }

// Config sizes the mmapped ring. BlockSize and FrameSize must both be
// powers of two with BlockSize a multiple of FrameSize; FrameSize must be
// large enough to hold txDataOffset plus the largest frame the caller
// will transmit.
type Config struct {
	BlockSize uint32
	BlockNR   uint32
	FrameSize uint32
}

// DefaultFrameSize comfortably holds txDataOffset's header headroom plus
// a full jumbo Ethernet frame.
const DefaultFrameSize = 1 << 14 // 16 KiB

// ConfigFromReserve derives a Config from a total reserved byte budget
// (the -S/--ring-size flag, spec.md §6), keeping FrameSize fixed and
// sizing BlockNR to fit.
func ConfigFromReserve(reserveBytes uint64) Config {
	frameSize := uint32(DefaultFrameSize)
	blockSize := frameSize
	frameNR := reserveBytes / uint64(frameSize)
	if frameNR == 0 {
		frameNR = 1
	}
	return Config{BlockSize: blockSize, BlockNR: uint32(frameNR), FrameSize: frameSize}
}

// TXRing owns one mmapped PACKET_TX_RING bound to a single interface.
type TXRing struct {
	fd        int
	ifindex   int
	mm        []byte
	frameSize uint32
	frameNR   uint32
	cursor    uint32
	closed    bool

	kpull     time.Duration
	ticker    *time.Ticker
	stopTick  chan struct{}
}

// Open binds an AF_PACKET socket to ifindex, installs the TX ring
// described by cfg, and mmaps it.
func Open(ifindex int, cfg Config, kernelPull time.Duration) (*TXRing, error) {
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("ring: socket: %w", err)
	}

	req := &unix.TpacketReq{
		Block_size: cfg.BlockSize,
		Block_nr:   cfg.BlockNR,
		Frame_size: cfg.FrameSize,
		Frame_nr:   (cfg.BlockSize / cfg.FrameSize) * cfg.BlockNR,
	}
	if err := unix.SetsockoptTpacketReq(fd, unix.SOL_PACKET, unix.PACKET_TX_RING, req); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: setsockopt PACKET_TX_RING: %w", err)
	}

	size := int(req.Block_size) * int(req.Block_nr)
	mm, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("ring: mmap: %w", err)
	}

	addr := unix.SockaddrLinklayer{Protocol: htons(unix.ETH_P_ALL), Ifindex: ifindex}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Munmap(mm)
		unix.Close(fd)
		return nil, fmt.Errorf("ring: bind: %w", err)
	}

	return &TXRing{
		fd:        fd,
		ifindex:   ifindex,
		mm:        mm,
		frameSize: req.Frame_size,
		frameNR:   req.Frame_nr,
		kpull:     kernelPull,
	}, nil
}

func htons(i uint16) uint16 { return (i<<8)&0xff00 | i>>8 }

func (r *TXRing) slot(i uint32) frame {
	off := i * r.frameSize
	return frame(r.mm[off : off+r.frameSize])
}

// Enqueue copies payload into the next available slot and marks it for
// transmission. It returns false without blocking if the ring is full
// (TP_STATUS_AVAILABLE not yet set by the kernel on that slot); the
// caller is expected to trigger a flush and retry.
func (r *TXRing) Enqueue(payload []byte) bool {
	f := r.slot(r.cursor)
	if f.status() != unix.TP_STATUS_AVAILABLE {
		return false
	}
	copy(f.payload(), payload)
	f.setLen(uint32(len(payload)))
	f.setStatus(unix.TP_STATUS_SEND_REQUEST)

	r.cursor++
	if r.cursor >= r.frameNR {
		r.cursor = 0
	}
	return true
}

// Send implements the same Send(payload []byte) error contract the slow
// path's Sender exposes, so worker.Run can drive either transmitter
// through one interface. It spins on Enqueue, flushing whenever the ring
// is momentarily full, mirroring the fast path's "spin, not sleep,
// backpressure" contract (spec.md §5).
func (r *TXRing) Send(payload []byte) error {
	if r.closed {
		return api.ErrTransportClosed
	}
	for !r.Enqueue(payload) {
		if err := r.Flush(); err != nil {
			return err
		}
		runtime.Gosched()
	}
	return nil
}

// Flush asks the kernel to drain every slot currently marked
// TP_STATUS_SEND_REQUEST. It is non-blocking; ENOBUFS/EAGAIN mean the
// ring is temporarily saturated and is not treated as an error here.
func (r *TXRing) Flush() error {
	_, _, errno := unix.Syscall6(unix.SYS_SENDTO, uintptr(r.fd), 0, 0, unix.MSG_DONTWAIT, 0, 0)
	if errno != 0 && errno != unix.EAGAIN && errno != unix.ENOBUFS {
		return fmt.Errorf("ring: flush sendto: %w", errno)
	}
	return nil
}

// StartKernelPull launches the periodic, non-blocking flush goroutine
// that stands in for the original's SIGALRM/setitimer kernel-pull timer.
// Close stops it.
func (r *TXRing) StartKernelPull() {
	if r.kpull <= 0 {
		return
	}
	r.ticker = time.NewTicker(r.kpull)
	r.stopTick = make(chan struct{})
	go func() {
		for {
			select {
			case <-r.ticker.C:
				_ = r.Flush()
			case <-r.stopTick:
				return
			}
		}
	}()
}

// Close stops the kernel-pull goroutine (if running), flushes any
// remaining slots, unmaps the ring, and closes the socket.
func (r *TXRing) Close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	if r.ticker != nil {
		r.ticker.Stop()
		close(r.stopTick)
	}
	_ = r.Flush()
	if err := unix.Munmap(r.mm); err != nil {
		unix.Close(r.fd)
		return fmt.Errorf("ring: munmap: %w", err)
	}
	return unix.Close(r.fd)
}

// FrameSize reports the configured per-slot size, useful for callers
// sizing their packet templates against it.
func (r *TXRing) FrameSize() uint32 { return r.frameSize }
