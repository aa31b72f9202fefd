package nat

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
)

// procRoutePath is the Linux kernel routing table.
const procRoutePath = "/proc/net/route"

// DiscoverGateways returns candidate gateway addresses, most likely first:
// the default route when the routing table is readable, followed by the
// first host of every private IPv4 network this machine is attached to.
func DiscoverGateways() ([]net.IP, error) {
	var candidates []net.IP
	seen := make(map[string]bool)
	add := func(ip net.IP) {
		if ip == nil || seen[ip.String()] {
			return
		}
		seen[ip.String()] = true
		candidates = append(candidates, ip)
	}

	if f, err := os.Open(procRoutePath); err == nil {
		gw, perr := parseProcRoute(f)
		f.Close()
		if perr == nil {
			add(gw)
		}
	}

	interfaces, err := activeInterfaces()
	if err != nil && len(candidates) == 0 {
		return nil, err
	}
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			add(likelyGateway(addr))
		}
	}

	if len(candidates) == 0 {
		return nil, ErrNoGateway
	}
	return candidates, nil
}

// parseProcRoute returns the gateway of the default route in the
// /proc/net/route format.
func parseProcRoute(r io.Reader) (net.IP, error) {
	scanner := bufio.NewScanner(r)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 || fields[1] != "00000000" {
			continue
		}
		raw, err := strconv.ParseUint(fields[2], 16, 32)
		if err != nil {
			return nil, fmt.Errorf("parse gateway %q: %w", fields[2], err)
		}
		if raw == 0 {
			continue
		}
		ip := make(net.IP, net.IPv4len)
		binary.LittleEndian.PutUint32(ip, uint32(raw))
		return ip, nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return nil, errors.New("no default route")
}

// likelyGateway guesses x.y.z.1 for private IPv4 interface addresses.
func likelyGateway(addr net.Addr) net.IP {
	ipNet, ok := addr.(*net.IPNet)
	if !ok {
		return nil
	}
	ip := ipNet.IP.To4()
	if ip == nil || !ip.IsPrivate() {
		return nil
	}
	network := ip.Mask(ipNet.Mask)
	if network == nil {
		return nil
	}
	gw := make(net.IP, net.IPv4len)
	copy(gw, network)
	gw[3] |= 1
	if gw.Equal(ip) {
		return nil
	}
	return gw
}

// activeInterfaces retrieves all interfaces that are up, excluding loopback.
func activeInterfaces() ([]net.Interface, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	var active []net.Interface
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp != 0 && iface.Flags&net.FlagLoopback == 0 {
			active = append(active, iface)
		}
	}
	return active, nil
}
