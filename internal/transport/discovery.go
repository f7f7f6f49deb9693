package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"
	"github.com/grandcat/zeroconf"
)

const (
	ServiceType = "_collabtext._tcp"
	domain      = "local."
)

// ErrNoServer is returned when discovery found no sequencer in time.
var ErrNoServer = errors.New("no sequencer found")

// Register announces a sequencer listening on port. Call Shutdown on the
// result to withdraw it.
func Register(port int, log logr.Logger) (*zeroconf.Server, error) {
	host, _ := os.Hostname()
	instance := fmt.Sprintf("CollabText-%s", host)
	server, err := zeroconf.Register(instance, ServiceType, domain, port, []string{"txtv=1", "path=" + DefaultPath}, nil)
	if err != nil {
		return nil, fmt.Errorf("registering mDNS service: %w", err)
	}
	log.Info("mDNS service registered", "instance", instance, "service", ServiceType, "port", port)
	return server, nil
}

// Discover browses the local network for a sequencer and returns the
// host:port of the first one that answers within timeout.
func Discover(ctx context.Context, timeout time.Duration, log logr.Logger) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceType, domain, entries); err != nil {
		return "", fmt.Errorf("browsing for %s: %w", ServiceType, err)
	}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNoServer
			}
			if addr, ok := entryAddress(entry); ok {
				log.Info("mDNS discovered sequencer", "instance", entry.Instance, "addr", addr)
				return addr, nil
			}
		case <-ctx.Done():
			return "", ErrNoServer
		}
	}
}

func entryAddress(entry *zeroconf.ServiceEntry) (string, bool) {
	var ip net.IP
	switch {
	case len(entry.AddrIPv4) > 0:
		ip = entry.AddrIPv4[0]
	case len(entry.AddrIPv6) > 0:
		ip = entry.AddrIPv6[0]
	default:
		return "", false
	}
	return net.JoinHostPort(ip.String(), strconv.Itoa(entry.Port)), true
}
