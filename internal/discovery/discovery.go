// Package discovery advertises and finds relays on the local network over
// mDNS so agents on a LAN can join without configuring a relay URL.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/grandcat/zeroconf"
)

const (
	// Service is the DNS-SD service type relays register under.
	Service = "_waiwai-uml._tcp"
	domain  = "local."

	// protocolVersion is advertised in the TXT record; Lookup skips relays
	// speaking another version.
	protocolVersion = "1"
)

// ErrNotFound is returned by Lookup when no relay answered before the
// context ended.
var ErrNotFound = errors.New("discovery: no relay found")

// Advertise registers the relay listening on port until ctx ends. An empty
// instance defaults to one derived from the hostname.
func Advertise(ctx context.Context, instance string, port int, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if instance == "" {
		host, _ := os.Hostname()
		instance = "waiwai-uml-" + host
	}
	server, err := zeroconf.Register(instance, Service, domain, port, []string{"txtv=" + protocolVersion}, nil)
	if err != nil {
		return fmt.Errorf("registering mDNS service: %w", err)
	}
	defer server.Shutdown()

	logger.Info("mDNS service registered", "service", Service, "instance", instance, "port", port)
	<-ctx.Done()
	logger.Info("mDNS service withdrawn", "service", Service)
	return nil
}

// Lookup browses for relays and returns the websocket URL of the first one
// that answers. Bound the wait with ctx.
func Lookup(ctx context.Context, logger *slog.Logger) (string, error) {
	if logger == nil {
		logger = slog.Default()
	}
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return "", fmt.Errorf("initializing mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, Service, domain, entries); err != nil {
		return "", fmt.Errorf("browsing for relays: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return "", ErrNotFound
		case entry, ok := <-entries:
			if !ok {
				return "", ErrNotFound
			}
			url, ok := entryURL(entry)
			if !ok {
				logger.Debug("skipping mDNS entry", "instance", entry.Instance)
				continue
			}
			logger.Info("relay discovered", "instance", entry.Instance, "url", url)
			return url, nil
		}
	}
}

// entryURL turns a browse result into a relay URL.
func entryURL(entry *zeroconf.ServiceEntry) (string, bool) {
	if entry == nil || entry.Port == 0 {
		return "", false
	}
	for _, txt := range entry.Text {
		if v, found := strings.CutPrefix(txt, "txtv="); found && v != protocolVersion {
			return "", false
		}
	}

	var host string
	switch {
	case len(entry.AddrIPv4) > 0:
		host = entry.AddrIPv4[0].String()
	case len(entry.AddrIPv6) > 0:
		host = entry.AddrIPv6[0].String()
	case entry.HostName != "":
		host = strings.TrimSuffix(entry.HostName, ".")
	default:
		return "", false
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(entry.Port)), true
}
