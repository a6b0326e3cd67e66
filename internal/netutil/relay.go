package netutil

import (
	"net"
	"strings"
)

// cgnat is 100.64.0.0/10, used by carrier NAT, Tailscale and Cloudflare WARP.
var cgnat = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// Interface is the part of a network interface the relay heuristic looks at.
type Interface struct {
	Name     string
	Up       bool
	Loopback bool
	Addrs    []net.IP
}

// ShouldForceRelay reports whether this host looks like it sits behind a VPN
// or carrier NAT, where direct paths between participants rarely work.
func ShouldForceRelay() bool {
	ifaces, err := Interfaces()
	if err != nil {
		return false
	}
	return RelayHint(ifaces)
}

// Interfaces snapshots the host's interfaces.
func Interfaces() ([]Interface, error) {
	sys, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	out := make([]Interface, 0, len(sys))
	for _, iface := range sys {
		info := Interface{
			Name:     iface.Name,
			Up:       iface.Flags&net.FlagUp != 0,
			Loopback: iface.Flags&net.FlagLoopback != 0,
		}
		addrs, err := iface.Addrs()
		if err == nil {
			for _, addr := range addrs {
				switch v := addr.(type) {
				case *net.IPNet:
					info.Addrs = append(info.Addrs, v.IP)
				case *net.IPAddr:
					info.Addrs = append(info.Addrs, v.IP)
				}
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// RelayHint applies the VPN/CGNAT heuristic to a set of interfaces.
func RelayHint(ifaces []Interface) bool {
	for _, iface := range ifaces {
		if !iface.Up || iface.Loopback {
			continue
		}
		if tunnelName(iface.Name) {
			return true
		}
		for _, ip := range iface.Addrs {
			if cgnat.Contains(ip) {
				return true
			}
		}
	}
	return false
}

func tunnelName(name string) bool {
	name = strings.ToLower(name)
	for _, marker := range []string{"tun", "tap", "wg", "ppp", "warp"} {
		if strings.Contains(name, marker) {
			return true
		}
	}
	return false
}
