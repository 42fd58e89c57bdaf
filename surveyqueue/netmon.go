// Copyright 2026 Bert Lambert
// SPDX-License-Identifier: Apache-2.0

package surveyqueue

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// NetworkMonitor reports connectivity and notifies subscribers on
// transitions. The sync driver subscribes to trigger drains when
// connectivity is regained.
type NetworkMonitor interface {
	Online() bool
	Subscribe() <-chan bool
}

// ManualMonitor is a NetworkMonitor whose state is set by the caller, used
// by tests and by UIs that let the user force offline mode.
type ManualMonitor struct {
	online int32
	mu     sync.Mutex
	subs   []chan bool
}

// NewManualMonitor creates a monitor in the given initial state
func NewManualMonitor(online bool) *ManualMonitor {
	m := &ManualMonitor{}
	if online {
		m.online = 1
	}
	return m
}

// Online reports the current state
func (m *ManualMonitor) Online() bool {
	return atomic.LoadInt32(&m.online) == 1
}

// Subscribe returns a channel receiving state transitions. The channel is
// buffered; a slow consumer drops intermediate flaps, not the latest state.
func (m *ManualMonitor) Subscribe() <-chan bool {
	ch := make(chan bool, 1)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// SetOnline updates the state and notifies subscribers on transition
func (m *ManualMonitor) SetOnline(online bool) {
	var v int32
	if online {
		v = 1
	}
	if atomic.SwapInt32(&m.online, v) == v {
		return // no transition
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- online:
		default:
			// Drop the stale value so the latest transition wins
			select {
			case <-ch:
			default:
			}
			ch <- online
		}
	}
}

// ProbeMonitor detects connectivity by polling the server's health endpoint
type ProbeMonitor struct {
	*ManualMonitor
	probeURL string
	interval time.Duration
	client   *http.Client
	logger   *slog.Logger
}

// NewProbeMonitor creates a monitor polling probeURL every interval.
// The monitor starts offline and flips online on the first successful probe.
func NewProbeMonitor(probeURL string, interval time.Duration, logger *slog.Logger) *ProbeMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProbeMonitor{
		ManualMonitor: NewManualMonitor(false),
		probeURL:      probeURL,
		interval:      interval,
		client:        &http.Client{Timeout: 5 * time.Second},
		logger:        logger,
	}
}

// Start begins probing until ctx is cancelled. The first probe runs
// immediately so startup does not wait a full interval to come online.
func (m *ProbeMonitor) Start(ctx context.Context) {
	go func() {
		m.probe(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.probe(ctx)
			}
		}
	}()
}

func (m *ProbeMonitor) probe(ctx context.Context) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.probeURL, nil)
	if err != nil {
		m.SetOnline(false)
		return
	}
	resp, err := m.client.Do(req)
	if err != nil {
		if m.Online() {
			m.logger.Info("Connectivity lost", "probe_url", m.probeURL, "error", err)
		}
		m.SetOnline(false)
		return
	}
	defer resp.Body.Close()

	ok := resp.StatusCode == http.StatusOK
	if ok && !m.Online() {
		m.logger.Info("Connectivity regained", "probe_url", m.probeURL)
	}
	m.SetOnline(ok)
}
