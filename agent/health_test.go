// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/cluster-select/ci"
	"github.com/hashicorp/cluster-select/helper/testlog"
)

// recordingDrainer captures drain requests.
type recordingDrainer struct {
	mu     sync.Mutex
	nodes  []string
	reason string
}

func (d *recordingDrainer) DrainNodes(names []string, reason string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = append(d.nodes, names...)
	d.reason = reason
	return nil
}

func (d *recordingDrainer) drained() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.nodes...)
}

func TestHealthCheck_DrainsFailedNodes(t *testing.T) {
	ci.Parallel(t)

	drainer := &recordingDrainer{}
	hc := NewHealthCheck(&HealthCheckConfig{
		Logger:    testlog.HCLogger(t),
		Interval:  10 * time.Millisecond,
		ProbePath: func(name string) string { return "/probe/" + name },
		Drainer:   drainer,
		Nodes:     []string{"node0", "node1", "node2"},
		Stat: func(path string) error {
			if path == "/probe/node1" {
				return fmt.Errorf("stat %s: no such file", path)
			}
			return nil
		},
	})

	must.NoError(t, hc.Start())
	defer hc.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for len(drainer.drained()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for drain")
		}
		time.Sleep(10 * time.Millisecond)
	}

	must.SliceContains(t, drainer.drained(), "node1")
	must.SliceNotContains(t, drainer.drained(), "node0")
	must.Eq(t, "health probe failed", drainer.reason)
}

func TestHealthCheck_DoubleStart(t *testing.T) {
	ci.Parallel(t)

	hc := NewHealthCheck(&HealthCheckConfig{
		Logger:    testlog.HCLogger(t),
		Interval:  time.Minute,
		ProbePath: func(name string) string { return name },
		Drainer:   &recordingDrainer{},
	})

	must.NoError(t, hc.Start())
	must.Error(t, hc.Start())
	hc.Stop()

	// A stop makes room for a fresh start.
	must.NoError(t, hc.Start())
	hc.Stop()

	// Stopping a stopped checker is a no-op.
	hc.Stop()
}
