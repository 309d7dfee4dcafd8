// Copyright 2026 The Vector SDK Authors
// SPDX-License-Identifier: Apache-2.0

package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
)

// serviceName is the mDNS service type robots announce.
const serviceName = "_ankivector._tcp"

// serviceDomain is the mDNS domain browsed for announcements.
const serviceDomain = "local."

// defaultPort is used when an announcement omits its port. Robots
// serve the API on 443.
const defaultPort = 443

// DefaultTimeout bounds a Resolve call when the caller's context
// carries no deadline.
const DefaultTimeout = 5 * time.Second

// ErrNotFound reports that no matching robot announced itself before
// the browse ended.
var ErrNotFound = errors.New("discovery: robot not found")

// ErrTimeout reports that the resolution deadline passed with no
// matching announcement.
var ErrTimeout = errors.New("discovery: resolution timed out")

// browseFunc browses an mDNS service and delivers announcements on
// entries until ctx ends. Injected by tests; production uses zeroconf.
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// Resolver finds robots on the local network.
type Resolver struct {
	// Timeout bounds each Resolve call when the caller's context has
	// no deadline. Zero means DefaultTimeout.
	Timeout time.Duration

	// Logger is used for structured logging. Nil means slog.Default().
	Logger *slog.Logger

	// browse overrides the mDNS browse for tests.
	browse browseFunc
}

// Resolve returns the "host:port" address of the robot named name
// (e.g., "Vector-A1B2"). An empty name matches the first robot to
// announce. Returns ErrTimeout when the deadline passes without a
// match, or ErrNotFound when browsing ends early with none.
func (r *Resolver) Resolve(ctx context.Context, name string) (string, error) {
	logger := r.Logger
	if logger == nil {
		logger = slog.Default()
	}

	if _, ok := ctx.Deadline(); !ok {
		timeout := r.Timeout
		if timeout == 0 {
			timeout = DefaultTimeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	browse := r.browse
	if browse == nil {
		browse = zeroconfBrowse
	}

	// The robot's mDNS host record is "<name>.local."; matching on it
	// mirrors how announcements identify the device.
	wantHost := ""
	if name != "" {
		wantHost = strings.ToLower(name) + "." + serviceDomain
	}

	entries := make(chan *zeroconf.ServiceEntry, 8)
	browseErr := make(chan error, 1)
	go func() {
		browseErr <- browse(ctx, serviceName, serviceDomain, entries)
	}()

	logger.Debug("browsing for robot", "name", name, "service", serviceName)

	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				// Browse ended without a match. The channel also
				// closes when the deadline stops the browse, so check
				// the context before calling it a miss.
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					return "", fmt.Errorf("%w: %s", ErrTimeout, name)
				}
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				if browseErr != nil {
					if err := <-browseErr; err != nil {
						return "", fmt.Errorf("discovery: mdns browse: %w", err)
					}
				}
				return "", fmt.Errorf("%w: %s", ErrNotFound, name)
			}
			address, ok := matchEntry(entry, wantHost)
			if !ok {
				continue
			}
			logger.Info("resolved robot address", "name", name, "address", address)
			return address, nil
		case err := <-browseErr:
			// A browse that fails outright (no multicast interface,
			// socket error) never closes entries, so surface it here
			// instead of waiting out the deadline.
			if err != nil {
				return "", fmt.Errorf("discovery: mdns browse: %w", err)
			}
			browseErr = nil
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("%w: %s", ErrTimeout, name)
			}
			return "", ctx.Err()
		}
	}
}

// matchEntry reports whether the announcement is for the wanted robot
// and, if so, its dialable address. First matching response wins.
func matchEntry(entry *zeroconf.ServiceEntry, wantHost string) (string, bool) {
	if entry == nil || len(entry.AddrIPv4) == 0 {
		return "", false
	}
	if wantHost != "" && strings.ToLower(entry.HostName) != wantHost {
		return "", false
	}
	port := entry.Port
	if port == 0 {
		port = defaultPort
	}
	return net.JoinHostPort(entry.AddrIPv4[0].String(), strconv.Itoa(port)), true
}

// zeroconfBrowse is the production browseFunc.
func zeroconfBrowse(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("creating mdns resolver: %w", err)
	}
	return resolver.Browse(ctx, service, domain, entries)
}
