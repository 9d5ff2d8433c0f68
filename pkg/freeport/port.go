// Package freeport picks unused TCP ports for listeners that are bound later.
package freeport

import (
	"fmt"
	"net"
	"strconv"
)

// FindFreePort finds an available TCP port on address, 127.0.0.1 when empty.
//
// There is a small window between closing the probe listener and the caller
// binding the port in which another process may take it.
func FindFreePort(address string) (int, error) {
	ports, err := FindFreePorts(address, 1)
	if err != nil {
		return 0, err
	}
	return ports[0], nil
}

// FindFreePorts finds count distinct available TCP ports on address.
// All probe listeners are held open until every port is found so the same
// port is never returned twice.
func FindFreePorts(address string, count int) ([]int, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	if count <= 0 {
		return nil, nil
	}

	listeners := make([]net.Listener, 0, count)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()

	ports := make([]int, 0, count)
	for i := 0; i < count; i++ {
		l, err := net.Listen("tcp", net.JoinHostPort(address, "0"))
		if err != nil {
			return nil, fmt.Errorf("finding free port %d of %d on %s: %w", i+1, count, address, err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// Addr returns address:port for a free port on address.
func Addr(address string) (string, error) {
	if address == "" {
		address = "127.0.0.1"
	}
	port, err := FindFreePort(address)
	if err != nil {
		return "", err
	}
	return net.JoinHostPort(address, strconv.Itoa(port)), nil
}
