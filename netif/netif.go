// Package netif enumerates and ranks local network interfaces so the
// discovery service can bind to the most capable one.
package netif

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
)

// Type classifies a network interface by its likely physical medium.
type Type string

const (
	// TypeBridge covers thunderbolt and other high-speed bridge links.
	TypeBridge Type = "bridge"
	// TypeEthernet covers wired ethernet links.
	TypeEthernet Type = "ethernet"
	// TypeWifi covers wireless links.
	TypeWifi Type = "wifi"
	// TypeLoopback is the loopback interface.
	TypeLoopback Type = "loopback"
	// TypeOther is anything that matched no known pattern.
	TypeOther Type = "other"
)

// ErrNoInterfaceAvailable indicates no usable non-loopback interface exists.
var ErrNoInterfaceAvailable = errors.New("netif: no suitable network interface available")

// Interface is one usable local network endpoint.
type Interface struct {
	Name     string
	IP       net.IP
	Type     Type
	Priority int
}

// priorityFor assigns a fixed rank per interface class.
func priorityFor(t Type) int {
	switch t {
	case TypeBridge:
		return 100
	case TypeEthernet:
		return 80
	case TypeWifi:
		return 60
	case TypeLoopback:
		return 10
	default:
		return 1
	}
}

// Classify determines the interface class from its name and address.
func Classify(name string, ip net.IP) Type {
	lower := strings.ToLower(name)
	switch {
	case isLoopback(lower, ip):
		return TypeLoopback
	case isBridge(lower):
		return TypeBridge
	case isEthernet(lower):
		return TypeEthernet
	case isWifi(lower):
		return TypeWifi
	default:
		return TypeOther
	}
}

func isLoopback(name string, ip net.IP) bool {
	return strings.HasPrefix(name, "lo") || ip.IsLoopback()
}

func isBridge(name string) bool {
	if strings.Contains(name, "thunderbolt") || strings.Contains(name, "tb") || strings.Contains(name, "bridge") {
		return true
	}
	return strings.HasPrefix(name, "en") && (strings.Contains(name, "5") || strings.Contains(name, "6"))
}

func isEthernet(name string) bool {
	return strings.Contains(name, "eth") || strings.HasPrefix(name, "en")
}

func isWifi(name string) bool {
	return strings.Contains(name, "wlan") || strings.Contains(name, "wifi") || strings.HasPrefix(name, "wl")
}

// New builds an Interface with its priority derived from the class.
func New(name string, ip net.IP) Interface {
	t := Classify(name, ip)
	return Interface{
		Name:     name,
		IP:       ip,
		Type:     t,
		Priority: priorityFor(t),
	}
}

// Discover enumerates all interfaces with a usable address, sorted by
// descending priority.
func Discover() ([]Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list network interfaces: %w", err)
	}

	var out []Interface
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip := addrIP(addr)
			if ip == nil || ip.IsUnspecified() || ip.IsMulticast() {
				continue
			}
			out = append(out, New(iface.Name, ip))
		}
	}

	Sort(out)
	return out, nil
}

// Sort orders interfaces by descending priority, name as tie-break.
func Sort(ifaces []Interface) {
	sort.SliceStable(ifaces, func(i, j int) bool {
		if ifaces[i].Priority == ifaces[j].Priority {
			return ifaces[i].Name < ifaces[j].Name
		}
		return ifaces[i].Priority > ifaces[j].Priority
	})
}

// Best returns the highest-priority non-loopback interface.
func Best() (Interface, error) {
	ifaces, err := Discover()
	if err != nil {
		return Interface{}, err
	}
	return bestOf(ifaces)
}

func bestOf(ifaces []Interface) (Interface, error) {
	for _, iface := range ifaces {
		if iface.Type != TypeLoopback {
			return iface, nil
		}
	}
	return Interface{}, ErrNoInterfaceAvailable
}

func addrIP(addr net.Addr) net.IP {
	switch v := addr.(type) {
	case *net.IPNet:
		return v.IP
	case *net.IPAddr:
		return v.IP
	default:
		return nil
	}
}
