// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral API for CPU affinity. Platform-specific implementations are located
// in separate files (affinity_linux.go, affinity_windows.go, etc.) guarded by build tags.

package affinity

import "github.com/momentics/trafgen/api"

// SetAffinity pins current OS thread to a given logical CPU/core on supported platforms.
// On unsupported platforms returns an error.
func SetAffinity(cpuID int) error {
	return setAffinityPlatform(cpuID)
}

// ThreadPin implements api.Affinity by pinning the calling OS thread (the
// scope every worker operates under, per spec.md §4.5's "pinned by CPU
// affinity" fork model). NUMA binding is not attempted — trafgen has no
// NUMA-local allocation path — so Get always reports NUMAID -1.
type ThreadPin struct {
	cpuID  int
	pinned bool
}

var _ api.Affinity = (*ThreadPin)(nil)

// NewThreadPin returns a ThreadPin that has not yet pinned anything.
func NewThreadPin() *ThreadPin { return &ThreadPin{cpuID: -1} }

// Pin binds the calling OS thread to cpuID; numaID is accepted for
// interface compliance and ignored.
func (t *ThreadPin) Pin(cpuID, numaID int) error {
	if err := SetAffinity(cpuID); err != nil {
		return err
	}
	t.cpuID = cpuID
	t.pinned = true
	return nil
}

// Unpin clears the recorded binding. It does not attempt to restore the
// thread's prior affinity mask; workers call it only on exit.
func (t *ThreadPin) Unpin() error {
	t.pinned = false
	t.cpuID = -1
	return nil
}

// Get reports the last cpuID passed to Pin, and NUMAID -1 always.
func (t *ThreadPin) Get() (cpuID, numaID int, err error) {
	return t.cpuID, -1, nil
}

// Scope reports ScopeThread: trafgen pins the OS thread a worker's
// goroutine is locked to, per runtime.LockOSThread in worker.Run.
func (t *ThreadPin) Scope() api.AffinityScope { return api.ScopeThread }

// ImmutableDescriptor snapshots the current binding state.
func (t *ThreadPin) ImmutableDescriptor() api.AffinityDescriptor {
	return api.AffinityDescriptor{CPUID: t.cpuID, NUMAID: -1, Scope: api.ScopeThread, Pinned: t.pinned}
}
