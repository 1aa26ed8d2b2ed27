package registry

import (
	"net"
	"strconv"
	"strings"
)

// NormalizeHostPort strips an http:// or https:// prefix and appends defPort
// when addr carries no port.
func NormalizeHostPort(addr, defPort string) string {
	if rest, ok := strings.CutPrefix(addr, "http://"); ok {
		addr = rest
	} else if rest, ok := strings.CutPrefix(addr, "https://"); ok {
		addr = rest
	}

	if _, _, err := net.SplitHostPort(addr); err == nil {
		return addr
	}
	return net.JoinHostPort(addr, defPort)
}

// LocalAddresses lists host:port for every address on interfaces that are
// both up and running. Link-local IPv6 addresses are skipped since they are
// not dialable without a zone.
func LocalAddresses(port int) ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	p := strconv.Itoa(port)
	var out []string
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 || ifc.Flags&net.FlagRunning == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok || ipn.IP.IsLinkLocalUnicast() || ipn.IP.IsUnspecified() {
				continue
			}
			out = append(out, net.JoinHostPort(ipn.IP.String(), p))
		}
	}
	return out, nil
}

// IsLoopback reports whether a host:port address names a loopback host.
func IsLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// SelectAddress picks the address to dial for a peer. A loopback address is
// only usable when the peer runs on this host, and then wins outright.
// Otherwise the first non-loopback address is used.
func SelectAddress(d Descriptor, localHostname string) (string, bool) {
	sameHost := d.Hostname != "" && d.Hostname == localHostname
	var first string
	for _, a := range d.Addresses {
		if IsLoopback(a) {
			if sameHost {
				return a, true
			}
			continue
		}
		if first == "" {
			first = a
		}
	}
	return first, first != ""
}
