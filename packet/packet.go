// Package packet defines the template/dynamic-field data model: the
// in-memory byte buffers trafgen transmits, and the per-index descriptors
// that drive the mutator between transmissions.
//
// Author: momentics <momentics@gmail.com>
package packet

// Packet is a single prebuilt frame: a mutable byte buffer of exactly Len
// bytes. The buffer is sized once at compile time; mutation only ever
// overwrites bytes already within it.
type Packet struct {
	Payload []byte
	Len     int
}

// CounterType selects the counter's step direction.
type CounterType int

const (
	// CounterInc increments the counter each application.
	CounterInc CounterType = iota
	// CounterDec decrements the counter each application.
	CounterDec
)

// Counter cycles a byte at Off within [Min, Max] with step Inc.
type Counter struct {
	Off      int
	Val      int
	Min, Max int
	Inc      int
	Type     CounterType
}

// Randomizer overwrites the byte at Off with a fresh random value on every
// application.
type Randomizer struct {
	Off int
}

// ChecksumKind selects which checksum primitive a Checksum descriptor
// invokes.
type ChecksumKind int

const (
	ChecksumIP ChecksumKind = iota
	ChecksumUDP
	ChecksumTCP
)

// Checksum writes a 16-bit checksum at Off, computed over payload[From:To+1]
// (IP, To inclusive) or via the pseudo-header rule (UDP/TCP); see package mutate.
type Checksum struct {
	Off, From, To int
	Which         ChecksumKind
}

// Dynamic holds every dynamic-field descriptor that applies to one packet
// template, in application order: counters, then randomizers, then
// checksums.
type Dynamic struct {
	Counters    []Counter
	Randomizers []Randomizer
	Checksums   []Checksum
}

// HasDynamic reports whether d carries any descriptor at all. The
// transmit paths use this as a short-circuit: packets with no dynamic
// fields skip the mutation step entirely.
func (d *Dynamic) HasDynamic() bool {
	return d != nil && (len(d.Counters) > 0 || len(d.Randomizers) > 0 || len(d.Checksums) > 0)
}
