// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/cluster-select/helper/testlog"
	"github.com/hashicorp/cluster-select/mock"
	"github.com/hashicorp/cluster-select/structs"
)

// newTestSelector builds a selector over nodeCnt canonical nodes backed by
// the given cluster view.
func newTestSelector(t *testing.T, nodeCnt int, cluster ClusterState, config *Config) (*Selector, []*structs.Node) {
	t.Helper()
	if cluster == nil {
		cluster = &mock.ClusterState{}
	}
	if config == nil {
		config = &Config{}
	}
	config.Logger = testlog.HCLogger(t)
	config.Cluster = cluster
	config.FastSchedule = true

	nodes := mock.Nodes(nodeCnt)
	s := New(config)
	must.NoError(t, s.NodeInit(nodes))
	return s, nodes
}

// allocatedJob builds a running job holding the given nodes, 4 CPUs each.
func allocatedJob(part *structs.Partition, nodeBitmap structs.Bitmap, endTime time.Time) *structs.Job {
	job := mock.Job(part)
	job.State = structs.JobStateRunning
	job.EndTime = endTime
	job.NodeBitmap = nodeBitmap.Copy()
	job.NodeCnt = uint32(nodeBitmap.Count())
	job.TotalCPUs = 4 * job.NodeCnt
	job.MinCPUs = job.TotalCPUs

	resrcs := structs.NewJobResources(nodeBitmap.Count())
	resrcs.NodeBitmap = nodeBitmap.Copy()
	resrcs.NCPUs = job.TotalCPUs
	for i := range resrcs.CPUs {
		resrcs.CPUs[i] = 4
	}
	resrcs.BuildCPUArray()
	job.Resources = resrcs
	return job
}

// bits flattens a bitmap into the sorted indexes of its set bits.
func bits(bm structs.Bitmap) []int {
	if bm == nil {
		return nil
	}
	return bm.IndexesInRange(true, 0, bm.Size()-1)
}
