// Package worker implements per-CPU transmit orchestration: precheck,
// the three-phase CFG/CHK/RES barrier and packet-budget rescaling, and
// the goroutine that drives one worker's share of the run end to end.
//
// Author: momentics <momentics@gmail.com>
package worker

import (
	"fmt"
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/momentics/trafgen/affinity"
	"github.com/momentics/trafgen/mutate"
	"github.com/momentics/trafgen/packet"
)

// State bits, set monotonically by a worker to advertise barrier
// progress to its peers. Readers tolerate stale reads and simply poll
// again — spec.md §5's "no locks, stale reads tolerated" contract.
const (
	StateCFG uint32 = 1 << iota
	StateCHK
	StateRES
)

// Stats is one worker's slot in the shared []Stats slice that replaces
// the original's mmap-backed shared-memory stat region: every worker in
// this process shares the same address space, so plain atomics give the
// identical "relaxed, monotonic, no locks" semantics without needing an
// actual shared-memory segment.
type Stats struct {
	State atomic.Uint32

	CfPackets atomic.Uint64
	CfBytes   atomic.Uint64
	CdPackets atomic.Uint64

	TxPackets atomic.Uint64
	TxBytes   atomic.Uint64

	Elapsed atomic.Int64 // time.Duration, nanoseconds
}

// HasState reports whether all of bits are currently set.
func (s *Stats) HasState(bits uint32) bool { return s.State.Load()&bits == bits }

// SetState ORs bits into State via a CAS loop, preserving any bits a
// concurrent writer may have already set.
func (s *Stats) SetState(bits uint32) {
	for {
		cur := s.State.Load()
		if cur&bits == bits {
			return
		}
		if s.State.CompareAndSwap(cur, cur|bits) {
			return
		}
	}
}

// ErrPacketTooLarge and ErrPacketTooSmall are the two precheck failure
// kinds spec.md §4.5 names as fatal.
var (
	ErrPacketTooLarge = fmt.Errorf("packet exceeds mtu+link-overhead")
	ErrPacketTooSmall = fmt.Errorf("packet must carry at least a link-layer header")
)

// Precheck rejects any template whose length would either overflow the
// link MTU plus linkOverhead, or that is too small to carry even a
// link-layer header. linkOverhead is the caller-computed header budget
// (iface.LinkOverhead) rather than a hard-coded 14, since rfraw/VLAN modes
// need a different header size than plain Ethernet II (spec.md's open
// question (c)). plen == 0 is not an error here; callers are expected to
// treat it as "nothing to transmit" and proceed straight to RES, per
// spec.md §4.5.
func Precheck(pkts []packet.Packet, mtu, linkOverhead int) error {
	for i, p := range pkts {
		if p.Len > mtu+linkOverhead {
			return fmt.Errorf("template %d: %w (len=%d, mtu=%d, overhead=%d)", i, ErrPacketTooLarge, p.Len, mtu, linkOverhead)
		}
		if p.Len <= linkOverhead {
			return fmt.Errorf("template %d: %w (len=%d, overhead=%d)", i, ErrPacketTooSmall, p.Len, linkOverhead)
		}
	}
	return nil
}

// Transmitter is satisfied by both the ring and slowpath senders; it is
// the minimal contract Run needs from a transmit path.
type Transmitter interface {
	Send(payload []byte) error
}

// Run drives worker index id's share of the run: CFG, optional CHK,
// transmit, then RES. stats is the shared slice (one entry per worker);
// pkts/dyns are this worker's own copies of the packet templates (each
// worker owns disjoint instances, mirroring the original's post-fork
// per-process copy). rand selects random vs. round-robin packet
// selection, and localNum is this worker's starting packet budget before
// CHK rescaling (0 = unbounded).
func Run(cpuID int, stats []Stats, id int, pkts []packet.Packet, dyns []packet.Dynamic, tx Transmitter, seed int64, localNum uint64, rand bool, stop *atomic.Bool) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	pin := affinity.NewThreadPin()
	if err := pin.Pin(cpuID, -1); err != nil {
		// Affinity is an optimization, not a correctness requirement;
		// the original treats it the same way (best-effort cpu_affinity()).
		_ = err
	}
	defer pin.Unpin()

	me := &stats[id]
	start := time.Now()

	if len(pkts) == 0 {
		me.SetState(StateCFG | StateCHK | StateRES)
		return nil
	}

	var plenLocal, bytesLocal uint64
	for _, p := range pkts {
		plenLocal++
		bytesLocal += uint64(p.Len)
	}
	me.CfPackets.Store(plenLocal)
	me.CfBytes.Store(bytesLocal)
	me.SetState(StateCFG)

	plenTotal := awaitPhase(stats, StateCFG, func(s *Stats) uint64 { return s.CfPackets.Load() })

	num := localNum
	if num > 0 {
		num = rescale(stats, id, plenLocal, plenTotal, num)
	}

	m := mutate.New(seed)
	i := 0
	unbounded := localNum == 0

	for unbounded || num > 0 {
		if stop.Load() {
			break
		}
		if dyns[i].HasDynamic() {
			m.Apply(&pkts[i], &dyns[i])
		}
		if err := tx.Send(pkts[i].Payload[:pkts[i].Len]); err != nil {
			return fmt.Errorf("worker %d: %w", id, err)
		}
		me.TxPackets.Add(1)
		me.TxBytes.Add(uint64(pkts[i].Len))

		i = m.NextIndex(i, len(pkts), rand)
		if !unbounded {
			num--
		}
	}

	me.Elapsed.Store(int64(time.Since(start)))
	me.SetState(StateRES)
	return nil
}

// awaitPhase busy-polls (yielding between checks, per spec.md §5's
// sched_yield contract) until every worker in stats has set bit, then
// returns the sum of the field extracted by get.
func awaitPhase(stats []Stats, bit uint32, get func(*Stats) uint64) uint64 {
	var total uint64
	for i := range stats {
		for !stats[i].HasState(bit) {
			runtime.Gosched()
		}
		total += get(&stats[i])
	}
	return total
}

// rescale implements the "correct global delta" rule: each worker
// computes its proportional share of numGlobal, publishes it via CdPackets
// and StateCHK, then every worker (redundantly, but deterministically)
// selects the same single worker to absorb the rounding remainder so that
// Σ worker budgets == numGlobal exactly.
func rescale(stats []Stats, id int, plenLocal, plenTotal, numGlobal uint64) uint64 {
	share := uint64(math.Round(float64(plenLocal) / float64(plenTotal) * float64(numGlobal)))
	stats[id].CdPackets.Store(share)
	stats[id].SetState(StateCHK)

	var total uint64
	for i := range stats {
		for !stats[i].HasState(StateCHK) {
			runtime.Gosched()
		}
		total += stats[i].CdPackets.Load()
	}

	delta := int64(numGlobal) - int64(total)
	chosen := -1
	for i := range stats {
		cd := int64(stats[i].CdPackets.Load())
		if cd+delta > 0 {
			chosen = i
			break
		}
	}

	local := int64(share)
	if chosen == id {
		local += delta
	}
	if local < 0 {
		local = 0
	}
	return uint64(local)
}
