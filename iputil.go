package main

import (
	"errors"
	"net"
)

var errNoHostIP = errors.New("no non-loopback IPv4 address found")

// sipHost returns the configured public address, or the first non-loopback
// IPv4 address of the host when none is configured.
func sipHost(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "", err
	}
	return firstHostIP(addrs)
}

func firstHostIP(addrs []net.Addr) (string, error) {
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ip4 := ipnet.IP.To4(); ip4 != nil && !ip4.IsLoopback() {
			return ip4.String(), nil
		}
	}
	return "", errNoHostIP
}
