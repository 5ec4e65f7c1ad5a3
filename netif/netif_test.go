package netif

import (
	"errors"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		ip   string
		want Type
	}{
		{"lo", "127.0.0.1", TypeLoopback},
		{"lo0", "127.0.0.1", TypeLoopback},
		{"eth0", "127.0.0.1", TypeLoopback},
		{"eth0", "192.168.1.20", TypeEthernet},
		{"en0", "192.168.1.20", TypeEthernet},
		{"enp3s0", "10.0.0.4", TypeEthernet},
		{"en5", "169.254.10.2", TypeBridge},
		{"en6", "169.254.10.3", TypeBridge},
		{"bridge0", "169.254.10.4", TypeBridge},
		{"thunderbolt1", "169.254.10.5", TypeBridge},
		{"wl0", "192.168.1.30", TypeWifi},
		{"wlan0", "192.168.1.31", TypeWifi},
		{"wlp2s0", "192.168.1.32", TypeWifi},
		{"utun3", "10.8.0.2", TypeOther},
	}

	for _, tt := range tests {
		got := Classify(tt.name, net.ParseIP(tt.ip))
		if got != tt.want {
			t.Errorf("Classify(%q, %s) = %q, want %q", tt.name, tt.ip, got, tt.want)
		}
	}
}

func TestBestPrefersBridgeOverEthernetWifiLoopback(t *testing.T) {
	ifaces := []Interface{
		New("lo", net.ParseIP("127.0.0.1")),
		New("en0", net.ParseIP("192.168.1.20")),
		New("en5", net.ParseIP("169.254.10.2")),
		New("wl0", net.ParseIP("192.168.1.30")),
	}
	Sort(ifaces)

	best, err := bestOf(ifaces)
	if err != nil {
		t.Fatalf("bestOf failed: %v", err)
	}
	if best.Name != "en5" {
		t.Fatalf("expected en5 to win, got %q (%s)", best.Name, best.Type)
	}
	if best.Type != TypeBridge {
		t.Fatalf("expected bridge class, got %q", best.Type)
	}
}

func TestBestSkipsLoopback(t *testing.T) {
	ifaces := []Interface{
		New("lo", net.ParseIP("127.0.0.1")),
		New("wl0", net.ParseIP("192.168.1.30")),
	}
	Sort(ifaces)

	best, err := bestOf(ifaces)
	if err != nil {
		t.Fatalf("bestOf failed: %v", err)
	}
	if best.Name != "wl0" {
		t.Fatalf("expected wl0, got %q", best.Name)
	}
}

func TestBestFailsWithOnlyLoopback(t *testing.T) {
	ifaces := []Interface{New("lo", net.ParseIP("127.0.0.1"))}

	if _, err := bestOf(ifaces); !errors.Is(err, ErrNoInterfaceAvailable) {
		t.Fatalf("expected ErrNoInterfaceAvailable, got %v", err)
	}
}

func TestSortOrdersByDescendingPriority(t *testing.T) {
	ifaces := []Interface{
		New("utun3", net.ParseIP("10.8.0.2")),
		New("wl0", net.ParseIP("192.168.1.30")),
		New("en5", net.ParseIP("169.254.10.2")),
		New("lo", net.ParseIP("127.0.0.1")),
		New("eth0", net.ParseIP("10.0.0.4")),
	}
	Sort(ifaces)

	want := []string{"en5", "eth0", "wl0", "lo", "utun3"}
	for i, name := range want {
		if ifaces[i].Name != name {
			t.Fatalf("position %d: got %q, want %q (order %v)", i, ifaces[i].Name, name, ifaces)
		}
	}
	for i := 1; i < len(ifaces); i++ {
		if ifaces[i].Priority > ifaces[i-1].Priority {
			t.Fatalf("priorities not descending at %d", i)
		}
	}
}
