package discovery

import (
	"net"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

// NodeInfo is the identity a node advertises and the unit exchanged by
// discovery. ID is stable for the process lifetime; IP and Port may change
// across advertisements.
type NodeInfo struct {
	ID            string
	Name          string
	IP            string
	Port          int
	InterfaceType string
	Capabilities  []string
	Version       string
}

// Addr returns the node's dialable ip:port address.
func (n NodeInfo) Addr() string {
	return net.JoinHostPort(n.IP, strconv.Itoa(n.Port))
}

// txtRecords renders the identity as mDNS TXT key/value pairs.
func (n NodeInfo) txtRecords() []string {
	return []string{
		"id=" + n.ID,
		"name=" + n.Name,
		"interface_type=" + n.InterfaceType,
		"capabilities=" + strings.Join(n.Capabilities, ","),
		"version=" + n.Version,
	}
}

// parseServiceEntry builds a NodeInfo from a resolved advertisement.
// Entries missing any required metadata field are dropped.
func parseServiceEntry(entry *zeroconf.ServiceEntry) (NodeInfo, bool) {
	txt := txtToMap(entry.Text)

	for _, key := range []string{"id", "name", "interface_type", "capabilities", "version"} {
		if txt[key] == "" {
			return NodeInfo{}, false
		}
	}

	ip := ""
	if len(entry.AddrIPv4) > 0 {
		ip = entry.AddrIPv4[0].String()
	} else if len(entry.AddrIPv6) > 0 {
		ip = entry.AddrIPv6[0].String()
	}
	if ip == "" {
		return NodeInfo{}, false
	}

	return NodeInfo{
		ID:            txt["id"],
		Name:          txt["name"],
		IP:            ip,
		Port:          entry.Port,
		InterfaceType: txt["interface_type"],
		Capabilities:  strings.Split(txt["capabilities"], ","),
		Version:       txt["version"],
	}, true
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, record := range text {
		parts := strings.SplitN(record, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(parts[1])
	}
	return out
}
