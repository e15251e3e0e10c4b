// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/cluster-select/ci"
	"github.com/hashicorp/cluster-select/mock"
	"github.com/hashicorp/cluster-select/structs"
)

func TestCountBitmap_Memory(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(2))
	tenant := allocatedJob(part, mock.Bitmap(2, 0), time.Now().Add(time.Hour))
	tenant.Shared = 1
	tenant.PNMinMemory = 8000
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{tenant},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 2, cluster, &Config{CRType: CRMemory})
	must.NoError(t, s.Reconfigure())

	job := mock.Job(part)
	job.PNMinMemory = 500

	in := mock.FullBitmap(2)
	out := mock.FullBitmap(2)
	cnt := s.countBitmap(s.state, job, in, out,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeRunNow)

	// Node 0 has 8000 of 8192 MB claimed; only node 1 can take 500 more.
	must.Eq(t, 1, cnt)
	must.Eq(t, []int{1}, bits(out))

	// Test-only ignores the memory pressure.
	out = mock.FullBitmap(2)
	cnt = s.countBitmap(s.state, job, in, out,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeTestOnly)
	must.Eq(t, 2, cnt)
}

func TestCountBitmap_Exclusive(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(2))
	tenant := allocatedJob(part, mock.Bitmap(2, 0), time.Now().Add(time.Hour))
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{tenant},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 2, cluster, nil)
	must.NoError(t, s.Reconfigure())

	job := mock.Job(part)
	in := mock.FullBitmap(2)
	out := mock.FullBitmap(2)
	cnt := s.countBitmap(s.state, job, in, out,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeRunNow)
	must.Eq(t, 1, cnt)
	must.Eq(t, []int{1}, bits(out))
}

func TestCountBitmap_PartitionCaps(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(2))
	part.MaxShare = 4
	tenant := allocatedJob(part, mock.Bitmap(2, 0), time.Now().Add(time.Hour))
	tenant.Shared = 1
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{tenant},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 2, cluster, nil)
	must.NoError(t, s.Reconfigure())

	job := mock.Job(part)

	// With a zero run cap the tenant's node is filtered out.
	in := mock.FullBitmap(2)
	out := mock.FullBitmap(2)
	cnt := s.countBitmap(s.state, job, in, out, 0, structs.NoShareLimit,
		structs.ModeRunNow)
	must.Eq(t, 1, cnt)
	must.Eq(t, []int{1}, bits(out))

	// Raising the cap admits it.
	out = mock.FullBitmap(2)
	cnt = s.countBitmap(s.state, job, in, out, 1, structs.NoShareLimit,
		structs.ModeRunNow)
	must.Eq(t, 2, cnt)
}

// fakeGresState limits the CPUs generic resources can cover on a node.
type fakeGresState struct {
	totalCPUs uint32
	availCPUs uint32
}

// fakeGres is a GresPlugin that reads fakeGresState limits.
type fakeGres struct {
	noopGres
}

func (fakeGres) JobTest(job *structs.Job, nodeState interface{}, useTotal bool) uint32 {
	if job.GresRequest == nil {
		return NoGresLimit
	}
	state, ok := nodeState.(*fakeGresState)
	if !ok {
		return 0
	}
	if useTotal {
		return state.totalCPUs
	}
	return state.availCPUs
}

func TestCountBitmap_Gres(t *testing.T) {
	ci.Parallel(t)

	s, nodes := newTestSelector(t, 2, nil, &Config{Gres: fakeGres{}})
	must.NoError(t, s.Reconfigure())

	// Node 0's generic resources are exhausted; node 1's are free.
	nodes[0].Gres = &fakeGresState{totalCPUs: 4, availCPUs: 0}
	nodes[1].Gres = &fakeGresState{totalCPUs: 4, availCPUs: 4}

	job := mock.Job(nil)
	job.GresRequest = struct{}{}

	in := mock.FullBitmap(2)
	out := mock.FullBitmap(2)
	cnt := s.countBitmap(s.state, job, in, out,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeRunNow)
	must.Eq(t, 1, cnt)
	must.Eq(t, []int{1}, bits(out))

	// Test-only judges against total resources.
	out = mock.FullBitmap(2)
	cnt = s.countBitmap(s.state, job, in, out,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeTestOnly)
	must.Eq(t, 2, cnt)
}
