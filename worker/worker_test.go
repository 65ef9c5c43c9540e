package worker

import (
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/momentics/trafgen/packet"
)

type fakeTx struct {
	sent   [][]byte
	failAt int
}

func (f *fakeTx) Send(payload []byte) error {
	if f.failAt >= 0 && len(f.sent) == f.failAt {
		return fmt.Errorf("injected failure")
	}
	cp := append([]byte{}, payload...)
	f.sent = append(f.sent, cp)
	return nil
}

func TestPrecheck_RejectsOversized(t *testing.T) {
	pkts := []packet.Packet{{Len: 1515}}
	if err := Precheck(pkts, 1500, 14); err == nil {
		t.Fatalf("expected rejection of a packet exceeding mtu+14")
	}
}

func TestPrecheck_RejectsUndersized(t *testing.T) {
	pkts := []packet.Packet{{Len: 10}}
	if err := Precheck(pkts, 1500, 14); err == nil {
		t.Fatalf("expected rejection of a packet at or below the link header size")
	}
}

func TestPrecheck_AcceptsValidSizes(t *testing.T) {
	pkts := []packet.Packet{{Len: 15}, {Len: 1514}}
	if err := Precheck(pkts, 1500, 14); err != nil {
		t.Fatalf("unexpected rejection: %v", err)
	}
}

func TestPrecheck_UsesCallerSuppliedOverhead(t *testing.T) {
	pkts := []packet.Packet{{Len: 1520}}
	if err := Precheck(pkts, 1500, 14); err == nil {
		t.Fatalf("expected rejection at the default 14-byte overhead")
	}
	if err := Precheck(pkts, 1500, 32); err != nil {
		t.Fatalf("expected acceptance once overhead grows to cover 802.11/radiotap framing: %v", err)
	}
}

func TestStats_SetStateIsMonotonic(t *testing.T) {
	var s Stats
	s.SetState(StateCFG)
	s.SetState(StateRES)
	if !s.HasState(StateCFG | StateRES) {
		t.Fatalf("expected both CFG and RES bits set, got %#x", s.State.Load())
	}
	if s.HasState(StateCHK) {
		t.Fatalf("CHK bit should not be set")
	}
}

func TestRun_TransmitsBoundedBudgetAndSetsRES(t *testing.T) {
	stats := make([]Stats, 1)
	pkts := []packet.Packet{{Payload: []byte{1, 2, 3}, Len: 3}}
	dyns := []packet.Dynamic{{}}
	tx := &fakeTx{failAt: -1}
	stop := &atomic.Bool{}

	if err := Run(-1, stats, 0, pkts, dyns, tx, 1, 5, false, stop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.sent) != 5 {
		t.Fatalf("sent %d packets, want 5", len(tx.sent))
	}
	if !stats[0].HasState(StateRES) {
		t.Fatalf("expected RES bit set after run completes")
	}
	if stats[0].TxPackets.Load() != 5 {
		t.Fatalf("TxPackets = %d, want 5", stats[0].TxPackets.Load())
	}
	if stats[0].TxBytes.Load() != 15 {
		t.Fatalf("TxBytes = %d, want 15", stats[0].TxBytes.Load())
	}
}

func TestRun_EmptyTemplatesSkipToRES(t *testing.T) {
	stats := make([]Stats, 1)
	tx := &fakeTx{failAt: -1}
	stop := &atomic.Bool{}

	if err := Run(-1, stats, 0, nil, nil, tx, 1, 0, false, stop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !stats[0].HasState(StateCFG | StateCHK | StateRES) {
		t.Fatalf("expected all three phase bits set for an empty template set")
	}
}

func TestRun_StopFlagHaltsEarly(t *testing.T) {
	stats := make([]Stats, 1)
	pkts := []packet.Packet{{Payload: []byte{1}, Len: 1}}
	dyns := []packet.Dynamic{{}}
	tx := &fakeTx{failAt: -1}
	stop := &atomic.Bool{}
	stop.Store(true)

	if err := Run(-1, stats, 0, pkts, dyns, tx, 1, 0, false, stop); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tx.sent) != 0 {
		t.Fatalf("expected no packets sent once stop is already set, got %d", len(tx.sent))
	}
}

func TestRescale_SumsToGlobalBudgetAcrossWorkers(t *testing.T) {
	stats := make([]Stats, 3)
	plenLocal := []uint64{1, 1, 1}
	numGlobal := uint64(10)

	results := make([]uint64, 3)
	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		go func(i int) {
			results[i] = rescale(stats, i, plenLocal[i], 3, numGlobal)
			done <- struct{}{}
		}(i)
	}
	for i := 0; i < 3; i++ {
		<-done
	}

	var sum uint64
	for _, r := range results {
		sum += r
	}
	if sum != numGlobal {
		t.Fatalf("Σ worker budgets = %d, want %d (results=%v)", sum, numGlobal, results)
	}
}

func TestRescale_SingleWorkerGetsFullBudget(t *testing.T) {
	stats := make([]Stats, 1)
	got := rescale(stats, 0, 1, 1, 7)
	if got != 7 {
		t.Fatalf("single worker share = %d, want 7", got)
	}
}
