// Package config holds trafgen's run-time configuration: the immutable
// Context derived from CLI flags, ring-size suffix parsing, and a small
// line-oriented packet template parser.
//
// Author: momentics <momentics@gmail.com>
package config

import "net"

// Context is the per-run configuration, immutable after argument parsing.
// It mirrors the original implementation's struct ctx (spec.md §3).
type Context struct {
	Device      string // networking device, e.g. eth0
	DeviceTrans string // transparent name while in 802.11 monitor mode (rfraw)

	Cpus uint // worker count

	Num uint64 // global packet budget; 0 = unbounded
	Gap uint64 // inter-packet gap in microseconds

	KernelPull uint64 // kernel-pull interval in microseconds
	RingSize   uint64 // reserve size for the TX ring, in bytes

	Rand          bool
	RFRaw         bool
	JumboSupport  bool
	SmokeTest     bool
	Enforce       bool // true once -u/-g were given; drives privilege drop
	Verbose       bool

	UID, GID uint32

	RemoteHost net.IP // smoke-test destination

	Seed    int64
	Reseed  bool // true unless -E/--seed was given

	ConfPath string
	CPP      bool // -p/--cpp was given; recorded only, the template file is parsed without preprocessing
}

// DefaultKernelPull matches the original's TX_KERNEL_PULL_INT default.
const DefaultKernelPull = 10

// NewContext returns a Context with the same defaults main() establishes
// before parsing flags: reseed enabled, default kernel-pull interval, and
// uid/gid equal to the running process's.
func NewContext(uid, gid uint32, onlineCPUs uint) *Context {
	return &Context{
		Cpus:       onlineCPUs,
		KernelPull: DefaultKernelPull,
		UID:        uid,
		GID:        gid,
		Reseed:     true,
	}
}

// ApplyForcingRules enforces the flag interactions spec.md §6 documents:
// smoke-test and an explicit gap both force the slow path and cpus=1;
// reading the config from stdin also forces cpus=1.
func (c *Context) ApplyForcingRules(stdinConf bool) (slowPath bool) {
	if c.SmokeTest {
		slowPath = true
		c.Cpus = 1
	}
	if c.Gap > 0 {
		slowPath = true
		c.Cpus = 1
	}
	if stdinConf {
		c.Cpus = 1
	}
	if c.Num > 0 && c.Num <= uint64(c.Cpus) {
		c.Cpus = 1
	}
	return slowPath
}
