// Package iface resolves a network device name into the bits the ring and
// slow-path transports need: ifindex, MTU, and link state.
//
// Author: momentics <momentics@gmail.com>
package iface

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Info is the resolved view of a network device.
type Info struct {
	Name  string
	Index int
	MTU   int
	Up    bool
}

// Resolve looks up name via the kernel and returns its current Info.
// MTU is read with an SIOCGIFMTU ioctl on a throwaway AF_INET datagram socket,
// matching how the original queries device_mtu() before sizing frames.
func Resolve(name string) (Info, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return Info{}, fmt.Errorf("iface: lookup %q: %w", name, err)
	}

	mtu, err := mtu(name)
	if err != nil {
		return Info{}, fmt.Errorf("iface: mtu %q: %w", name, err)
	}

	return Info{
		Name:  ifi.Name,
		Index: ifi.Index,
		MTU:   mtu,
		Up:    ifi.Flags&net.FlagUp != 0,
	}, nil
}

// ifreqMTU mirrors struct ifreq's name+mtu prefix, padded to the kernel's
// expected size; only the fields SIOCGIFMTU touches are named.
type ifreqMTU struct {
	name [unix.IFNAMSIZ]byte
	mtu  int32
	_    [20]byte
}

// mtu performs the SIOCGIFMTU ioctl directly; net.Interface does not
// expose MTU comparably across platforms so the original's device_mtu()
// equivalent goes straight to the kernel.
func mtu(name string) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM, 0)
	if err != nil {
		return 0, err
	}
	defer unix.Close(fd)

	var req ifreqMTU
	copy(req.name[:], name)

	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.SIOCGIFMTU), uintptr(unsafe.Pointer(&req)))
	if errno != 0 {
		return 0, errno
	}
	return int(req.mtu), nil
}

// EthernetOverhead is the fixed Ethernet II header size (dst+src MAC,
// ethertype) the original adds on top of the interface MTU when bounding
// packet length (spec.md's "len > mtu+14" rejection rule).
const EthernetOverhead = 14

// VLANTagOverhead is the extra bytes an 802.1Q tag adds on top of the
// base Ethernet II header.
const VLANTagOverhead = 4

// Radio80211Overhead approximates the header budget an 802.11 monitor-mode
// injection needs in place of Ethernet II: a 24-byte 802.11 MAC header
// plus an 8-byte radiotap preamble.
const Radio80211Overhead = 24 + 8

// LinkOverhead picks the header budget Precheck should add on top of the
// interface MTU: 802.11 overhead in rfraw mode, Ethernet II (optionally
// VLAN-tagged) otherwise. The original hard-codes 14 regardless of mode;
// this is the parameterization spec.md's open question (c) calls for.
func LinkOverhead(rfraw, vlan bool) int {
	if rfraw {
		return Radio80211Overhead
	}
	if vlan {
		return EthernetOverhead + VLANTagOverhead
	}
	return EthernetOverhead
}
