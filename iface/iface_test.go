package iface

import "testing"

func TestResolve_UnknownDeviceErrors(t *testing.T) {
	_, err := Resolve("trafgen-nonexistent-device-xyz")
	if err == nil {
		t.Fatalf("expected error for nonexistent device")
	}
}

func TestResolve_Loopback(t *testing.T) {
	info, err := Resolve("lo")
	if err != nil {
		t.Skipf("no loopback interface named \"lo\" on this host: %v", err)
	}
	if info.Name != "lo" {
		t.Fatalf("Name = %q, want \"lo\"", info.Name)
	}
	if info.MTU <= 0 {
		t.Fatalf("MTU = %d, want > 0", info.MTU)
	}
}

func TestEthernetOverhead(t *testing.T) {
	if EthernetOverhead != 14 {
		t.Fatalf("EthernetOverhead = %d, want 14", EthernetOverhead)
	}
}

func TestLinkOverhead_PicksModeAppropriately(t *testing.T) {
	if got := LinkOverhead(false, false); got != EthernetOverhead {
		t.Fatalf("plain ethernet overhead = %d, want %d", got, EthernetOverhead)
	}
	if got := LinkOverhead(false, true); got != EthernetOverhead+VLANTagOverhead {
		t.Fatalf("vlan overhead = %d, want %d", got, EthernetOverhead+VLANTagOverhead)
	}
	if got := LinkOverhead(true, false); got != Radio80211Overhead {
		t.Fatalf("rfraw overhead = %d, want %d", got, Radio80211Overhead)
	}
	if got := LinkOverhead(true, true); got != Radio80211Overhead {
		t.Fatalf("rfraw takes precedence over vlan: got %d, want %d", got, Radio80211Overhead)
	}
}
