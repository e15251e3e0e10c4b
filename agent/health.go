// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package agent runs the optional per-node health prober: a supervised loop
// that stats a per-node probe path on an interval and asks the cluster to
// drain the nodes whose probe fails. It shares no state with the selector.
package agent

import (
	"fmt"
	"os"
	"sync"
	"time"

	log "github.com/hashicorp/go-hclog"
)

// DefaultProbeInterval matches the historical node poll period.
const DefaultProbeInterval = 120 * time.Second

// NodeDrainer is the cluster-side collaborator that takes unhealthy nodes
// out of service.
type NodeDrainer interface {
	DrainNodes(names []string, reason string) error
}

// HealthCheckConfig parameterizes a HealthCheck.
type HealthCheckConfig struct {
	Logger log.Logger

	// Interval between probe sweeps; DefaultProbeInterval when zero.
	Interval time.Duration

	// ProbePath maps a node name to the path whose stat result decides
	// the node's health.
	ProbePath func(nodeName string) string

	Drainer NodeDrainer

	// Nodes are the node names to probe.
	Nodes []string

	// Stat overrides the filesystem probe, for tests.
	Stat func(path string) error
}

// HealthCheck probes node health on its own goroutine.
type HealthCheck struct {
	logger    log.Logger
	interval  time.Duration
	probePath func(string) string
	drainer   NodeDrainer
	nodes     []string
	stat      func(string) error

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewHealthCheck returns a stopped health checker.
func NewHealthCheck(config *HealthCheckConfig) *HealthCheck {
	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := config.Interval
	if interval == 0 {
		interval = DefaultProbeInterval
	}
	stat := config.Stat
	if stat == nil {
		stat = func(path string) error {
			_, err := os.Stat(path)
			return err
		}
	}
	return &HealthCheck{
		logger:    logger.Named("health_check"),
		interval:  interval,
		probePath: config.ProbePath,
		drainer:   config.Drainer,
		nodes:     config.Nodes,
		stat:      stat,
	}
}

// Start launches the probe loop. A second start without an intervening stop
// is refused.
func (h *HealthCheck) Start() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.running {
		h.logger.Debug("health check already running, not starting another")
		return fmt.Errorf("health check already running")
	}
	h.running = true
	h.stopCh = make(chan struct{})
	h.doneCh = make(chan struct{})
	go h.run(h.stopCh, h.doneCh)
	return nil
}

// Stop terminates the probe loop and waits for it to exit.
func (h *HealthCheck) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.running {
		return
	}
	close(h.stopCh)
	<-h.doneCh
	h.running = false
}

func (h *HealthCheck) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

// sweep probes every node once and drains the failures.
func (h *HealthCheck) sweep() {
	h.logger.Trace("running node health sweep")

	var down []string
	for _, name := range h.nodes {
		path := h.probePath(name)
		if err := h.stat(path); err == nil {
			continue
		} else {
			h.logger.Error("node probe failed", "node", name,
				"path", path, "error", err)
		}
		down = append(down, name)
	}
	if len(down) == 0 {
		return
	}
	if err := h.drainer.DrainNodes(down, "health probe failed"); err != nil {
		h.logger.Error("failed to drain nodes", "nodes", down, "error", err)
	}
}
