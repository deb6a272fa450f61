package usb

import "testing"

func TestAddressRoundTrip(t *testing.T) {
	addr := Address(0x0416, 0x5011)
	if addr != "usb:0416:5011" {
		t.Fatalf("Unexpected address %q", addr)
	}

	vid, pid, err := ParseAddress(addr)
	if err != nil {
		t.Fatalf("ParseAddress: %v", err)
	}
	if vid != 0x0416 || pid != 0x5011 {
		t.Errorf("Expected 0416:5011, got %04X:%04X", uint16(vid), uint16(pid))
	}
}

func TestParseAddressRejectsInvalid(t *testing.T) {
	for _, addr := range []string{"", "usb:0416", "bt:0416:5011", "usb:zzzz:5011", "usb:0416:12345"} {
		if _, _, err := ParseAddress(addr); err == nil {
			t.Errorf("Expected error for %q", addr)
		}
	}
}
