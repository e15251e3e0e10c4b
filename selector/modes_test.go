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

func TestJobTest_TestOnlyIgnoresAllocations(t *testing.T) {
	ci.Parallel(t)

	// The whole cluster is exclusively held.
	part := mock.Partition("batch", mock.FullBitmap(4))
	held := allocatedJob(part, mock.FullBitmap(4), time.Now().Add(time.Hour))
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{held},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8

	// Run-now cannot place the job.
	avail := mock.FullBitmap(4)
	_, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow, nil)
	must.ErrorIs(t, err, structs.ErrNoFit)

	// Test-only reports that it could ever run.
	avail = mock.FullBitmap(4)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeTestOnly, nil)
	must.NoError(t, err)
	must.Nil(t, victims)
	must.Eq(t, 2, avail.Count())
}

func TestJobTest_TestOnlyRestoresMemoryRequest(t *testing.T) {
	ci.Parallel(t)

	s, _ := newTestSelector(t, 4, nil, &Config{CRType: CRMemory})

	job := mock.Job(nil)
	job.MinCPUs = 4
	job.PNMinMemory = 100000 // more than any node holds

	avail := mock.FullBitmap(4)
	_, err := s.JobTest(job, avail, 1, 1, 1, structs.ModeTestOnly, nil)
	must.NoError(t, err)
	must.Eq(t, uint32(100000), job.PNMinMemory)
}

func TestJobTest_PreemptionRetry(t *testing.T) {
	ci.Parallel(t)

	// A low-priority job fills the cluster.
	part := mock.Partition("batch", mock.FullBitmap(4))
	low := allocatedJob(part, mock.FullBitmap(4), time.Now().Add(time.Hour))
	low.PreemptMode = structs.PreemptModeRequeue
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{low},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8

	// Without candidates the job cannot be placed.
	avail := mock.FullBitmap(4)
	_, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow, nil)
	must.ErrorIs(t, err, structs.ErrNoFit)

	// With the tenant offered as a candidate it is chosen as the victim.
	avail = mock.FullBitmap(4)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow,
		[]*structs.Job{low})
	must.NoError(t, err)
	must.Eq(t, []*structs.Job{low}, victims)
	must.Eq(t, 2, avail.Count())
	must.True(t, avail.SubsetOf(low.NodeBitmap))

	// The hypothetical removal must not leak into real state: the job
	// still cannot start without the preemption actually happening.
	avail = mock.FullBitmap(4)
	_, err = s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow, nil)
	must.ErrorIs(t, err, structs.ErrNoFit)
}

func TestJobTest_PreemptionSkipsUnneededVictims(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(8))
	left := allocatedJob(part, mock.Bitmap(8, 0, 1, 2, 3), time.Now().Add(time.Hour))
	left.PreemptMode = structs.PreemptModeRequeue
	right := allocatedJob(part, mock.Bitmap(8, 4, 5, 6, 7), time.Now().Add(time.Hour))
	right.PreemptMode = structs.PreemptModeRequeue
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{left, right},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 8, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8

	avail := mock.FullBitmap(8)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow,
		[]*structs.Job{left, right})
	must.NoError(t, err)

	// Removing the first candidate frees enough; only the overlapping
	// one is returned.
	must.Eq(t, []*structs.Job{left}, victims)
	must.True(t, avail.SubsetOf(left.NodeBitmap))
}

func TestJobTest_WillRunImmediate(t *testing.T) {
	ci.Parallel(t)

	s, _ := newTestSelector(t, 4, nil, nil)

	job := mock.Job(nil)
	job.MinCPUs = 8

	before := time.Now()
	avail := mock.FullBitmap(4)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeWillRun, nil)
	must.NoError(t, err)
	must.Nil(t, victims)
	must.False(t, job.StartTime.Before(before))
}

func TestJobTest_WillRunOrdering(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	part := mock.Partition("batch", mock.FullBitmap(4))
	longer := allocatedJob(part, mock.Bitmap(4, 0, 1), now.Add(10*time.Minute))
	shorter := allocatedJob(part, mock.Bitmap(4, 2, 3), now.Add(5*time.Minute))
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{longer, shorter},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8

	avail := mock.FullBitmap(4)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeWillRun, nil)
	must.NoError(t, err)
	must.Nil(t, victims)

	// The job fits as soon as the shorter tenant ends.
	must.Eq(t, shorter.EndTime, job.StartTime)
	must.Eq(t, []int{2, 3}, bits(avail))
}

func TestJobTest_WillRunPreemption(t *testing.T) {
	ci.Parallel(t)

	now := time.Now()
	part := mock.Partition("batch", mock.FullBitmap(4))
	tenant := allocatedJob(part, mock.FullBitmap(4), now.Add(time.Hour))
	tenant.PreemptMode = structs.PreemptModeCancel
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{tenant},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8

	avail := mock.FullBitmap(4)
	victims, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeWillRun,
		[]*structs.Job{tenant})
	must.NoError(t, err)
	must.Eq(t, []*structs.Job{tenant}, victims)

	// The job starts right after the preemption, not at the tenant's
	// natural end time.
	must.True(t, job.StartTime.After(now))
	must.True(t, job.StartTime.Before(tenant.EndTime))
}

func TestJobTest_FindJobMate(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(4))
	part.MaxShare = 4
	mate := allocatedJob(part, mock.Bitmap(4, 2, 3), time.Now().Add(time.Hour))
	mate.Shared = 1
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{mate},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8
	job.Shared = 1

	// Only the mate's nodes are on offer, forcing the share path.
	avail := mock.Bitmap(4, 2, 3)
	_, err := s.JobTest(job, avail, 2, 2, 2, structs.ModeRunNow, nil)
	must.NoError(t, err)
	must.Eq(t, []int{2, 3}, bits(avail))
	must.Eq(t, mate.TotalCPUs, job.TotalCPUs)
}

func TestFindJobMate_Filters(t *testing.T) {
	ci.Parallel(t)

	part := mock.Partition("batch", mock.FullBitmap(4))
	part.MaxShare = 4
	mate := allocatedJob(part, mock.Bitmap(4, 2, 3), time.Now().Add(time.Hour))
	mate.Shared = 1
	cluster := &mock.ClusterState{
		JobList:  []*structs.Job{mate},
		PartList: []*structs.Partition{part},
	}
	s, _ := newTestSelector(t, 4, cluster, nil)

	job := mock.Job(part)
	job.MinCPUs = 8
	job.Shared = 1

	// A matching mate narrows the bitmap and donates its CPU total.
	avail := mock.Bitmap(4, 2, 3)
	must.NoError(t, s.findJobMate(job, avail, 2))
	must.Eq(t, []int{2, 3}, bits(avail))
	must.Eq(t, mate.TotalCPUs, job.TotalCPUs)

	// Excluded nodes inside the mate disqualify it.
	job.ExcNodeBitmap = mock.Bitmap(4, 3)
	must.ErrorIs(t, s.findJobMate(job, mock.Bitmap(4, 2, 3), 2), structs.ErrNoFit)
	job.ExcNodeBitmap = nil

	// Required nodes outside the mate disqualify it.
	job.ReqNodeBitmap = mock.Bitmap(4, 0)
	must.ErrorIs(t, s.findJobMate(job, mock.FullBitmap(4), 2), structs.ErrNoFit)
	job.ReqNodeBitmap = nil

	// A node-count mismatch disqualifies it.
	must.ErrorIs(t, s.findJobMate(job, mock.Bitmap(4, 2, 3), 1), structs.ErrNoFit)

	// Contiguity must match.
	job.Contiguous = true
	must.ErrorIs(t, s.findJobMate(job, mock.Bitmap(4, 2, 3), 2), structs.ErrNoFit)
}
