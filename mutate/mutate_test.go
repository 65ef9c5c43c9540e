package mutate

import (
	"testing"

	"github.com/momentics/trafgen/packet"
)

func TestApplyCounter_IncCycle(t *testing.T) {
	m := New(1)
	pkt := &packet.Packet{Payload: make([]byte, 4), Len: 4}
	dyn := &packet.Dynamic{Counters: []packet.Counter{
		{Off: 0, Val: 0, Min: 0, Max: 3, Inc: 1, Type: packet.CounterInc},
	}}

	var got []byte
	for i := 0; i < 8; i++ {
		m.Apply(pkt, dyn)
		got = append(got, pkt.Payload[0])
	}

	want := []byte{1, 2, 3, 0, 1, 2, 3, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("iteration %d: got %d, want %d (full: %v)", i, got[i], want[i], got)
		}
	}
}

func TestApplyCounter_IncStaysInRange(t *testing.T) {
	m := New(2)
	pkt := &packet.Packet{Payload: make([]byte, 1), Len: 1}
	c := packet.Counter{Off: 0, Val: 5, Min: 2, Max: 9, Inc: 3, Type: packet.CounterInc}
	dyn := &packet.Dynamic{Counters: []packet.Counter{c}}

	for i := 0; i < 100; i++ {
		m.Apply(pkt, dyn)
		v := dyn.Counters[0].Val
		if v < dyn.Counters[0].Min || v > dyn.Counters[0].Max {
			t.Fatalf("counter value %d escaped [%d,%d] at iteration %d", v, dyn.Counters[0].Min, dyn.Counters[0].Max, i)
		}
	}
}

func TestApplyCounter_IncRoundTrip(t *testing.T) {
	m := New(3)
	pkt := &packet.Packet{Payload: make([]byte, 1), Len: 1}
	dyn := &packet.Dynamic{Counters: []packet.Counter{
		{Off: 0, Val: 0, Min: 0, Max: 6, Inc: 1, Type: packet.CounterInc},
	}}
	span := dyn.Counters[0].Max - dyn.Counters[0].Min + 1
	for i := 0; i < span; i++ {
		m.Apply(pkt, dyn)
	}
	if dyn.Counters[0].Val != 0 {
		t.Fatalf("counter did not return to original value after a full cycle: got %d", dyn.Counters[0].Val)
	}
}

func TestApplyCounter_WrittenByteIsRelativeBeforeUpdate(t *testing.T) {
	m := New(4)
	pkt := &packet.Packet{Payload: make([]byte, 1), Len: 1}
	dyn := &packet.Dynamic{Counters: []packet.Counter{
		{Off: 0, Val: 10, Min: 10, Max: 13, Inc: 1, Type: packet.CounterInc},
	}}
	m.Apply(pkt, dyn)
	// val goes 10 -> 11; relative value written is 11-10=1, not the absolute 11.
	if pkt.Payload[0] != 1 {
		t.Fatalf("expected relative byte 1, got %d", pkt.Payload[0])
	}
	if dyn.Counters[0].Val != 11 {
		t.Fatalf("expected updated absolute val 11, got %d", dyn.Counters[0].Val)
	}
}

func TestApplyRandomizer_WritesOffset(t *testing.T) {
	m := New(5)
	pkt := &packet.Packet{Payload: []byte{0xAA, 0xAA, 0xAA}, Len: 3}
	dyn := &packet.Dynamic{Randomizers: []packet.Randomizer{{Off: 1}}}
	m.Apply(pkt, dyn)
	if pkt.Payload[0] != 0xAA || pkt.Payload[2] != 0xAA {
		t.Fatalf("randomizer touched bytes outside its offset: %v", pkt.Payload)
	}
}

func TestApplyChecksum_IPIdempotentAfterFirstApply(t *testing.T) {
	m := New(6)
	hdr := []byte{
		0x45, 0x00, 0x00, 0x14, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x06, 0x00, 0x00, 10, 0, 0, 1, 10, 0, 0, 2,
	}
	pkt := &packet.Packet{Payload: append([]byte{}, hdr...), Len: len(hdr)}
	dyn := &packet.Dynamic{Checksums: []packet.Checksum{
		{Off: 10, From: 0, To: 19, Which: packet.ChecksumIP},
	}}

	m.Apply(pkt, dyn)
	first := append([]byte{}, pkt.Payload...)

	m.Apply(pkt, dyn)
	for i := range first {
		if first[i] != pkt.Payload[i] {
			t.Fatalf("re-applying checksum to an already-checksummed packet changed byte %d: %d -> %d", i, first[i], pkt.Payload[i])
		}
	}
}

func TestApplyChecksum_IPClampsTo(t *testing.T) {
	m := New(7)
	pkt := &packet.Packet{Payload: make([]byte, 10), Len: 10}
	for i := range pkt.Payload {
		pkt.Payload[i] = 0xff
	}
	dyn := &packet.Dynamic{Checksums: []packet.Checksum{
		// To=100 is far beyond len-1=9; must clamp, not panic/out-of-range.
		{Off: 0, From: 2, To: 100, Which: packet.ChecksumIP},
	}}
	m.Apply(pkt, dyn)
}

func TestOrdering_ChecksumSeesCounterAndRandomizerOutput(t *testing.T) {
	m := New(8)
	pkt := &packet.Packet{Payload: make([]byte, 20), Len: 20}
	pkt.Payload[0] = 0x45
	dyn := &packet.Dynamic{
		Counters:    []packet.Counter{{Off: 12, Val: 0, Min: 0, Max: 255, Inc: 1, Type: packet.CounterInc}},
		Randomizers: []packet.Randomizer{{Off: 13}},
		Checksums:   []packet.Checksum{{Off: 10, From: 0, To: 19, Which: packet.ChecksumIP}},
	}
	m.Apply(pkt, dyn)

	checkBytes := append([]byte{}, pkt.Payload...)
	checkBytes[10], checkBytes[11] = 0, 0
	recomputed := sumForTest(checkBytes)
	got := uint16(pkt.Payload[10])<<8 | uint16(pkt.Payload[11])
	if got != recomputed {
		t.Fatalf("checksum does not cover mutated counter/randomizer bytes: got %#04x want %#04x", got, recomputed)
	}
}

func sumForTest(data []byte) uint16 {
	var acc uint32
	for i := 0; i+1 < len(data); i += 2 {
		acc += uint32(data[i])<<8 | uint32(data[i+1])
	}
	for acc>>16 != 0 {
		acc = (acc & 0xffff) + (acc >> 16)
	}
	return ^uint16(acc)
}

func TestNextIndex_RoundRobinWraps(t *testing.T) {
	m := New(9)
	i := 0
	seen := []int{}
	for n := 0; n < 5; n++ {
		i = m.NextIndex(i, 3, false)
		seen = append(seen, i)
	}
	want := []int{1, 2, 0, 1, 2}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("round robin sequence = %v, want %v", seen, want)
		}
	}
}

func TestNextIndex_RandomStaysInRange(t *testing.T) {
	m := New(10)
	for n := 0; n < 200; n++ {
		i := m.NextIndex(0, 7, true)
		if i < 0 || i >= 7 {
			t.Fatalf("random index %d out of range [0,7)", i)
		}
	}
}
