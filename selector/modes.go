// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"sort"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/cluster-select/structs"
)

// testOnly determines whether the job could ever run, ignoring memory and
// current allocations.
func (s *Selector) testOnly(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32) error {

	origMap := bitmap.Copy()
	cnt := s.countBitmap(s.state, job, origMap, bitmap,
		structs.NoShareLimit, structs.NoShareLimit, structs.ModeTestOnly)
	if cnt < int(minNodes) {
		return structs.ErrNoFit
	}

	saveMem := job.PNMinMemory
	job.PNMinMemory = 0
	err := s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes)
	job.PNMinMemory = saveMem
	return err
}

// runNow allocates resources for the job against current state, if possible.
// The share-level sweep retries selection at increasing levels of node
// sharing; if everything fails and preemption candidates were supplied, the
// candidates are removed one by one from a scratch copy of state until the
// job fits, and the candidates actually overlapping the chosen nodes are
// returned as victims.
func (s *Selector) runNow(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32, maxShare int,
	preemptees []*structs.Job) ([]*structs.Job, error) {

	origMap := bitmap.Copy()

	err := structs.ErrNoFit
	prevCnt := -1
	for maxRunJob := 0; maxRunJob < maxShare && err != nil; maxRunJob++ {
		lastIteration := maxRunJob == maxShare-1
		for susJobs := 0; susJobs < 5 && err != nil; susJobs += 4 {
			if lastIteration {
				susJobs = structs.NoShareLimit
			}
			cnt := s.countBitmap(s.state, job, origMap, bitmap,
				maxRunJob, maxRunJob+susJobs, structs.ModeRunNow)
			if cnt == prevCnt || cnt < int(minNodes) {
				continue
			}
			prevCnt = cnt
			if maxRunJob > 0 {
				// We need to share. Try to find a suitable job
				// to share nodes with.
				if mateErr := s.findJobMate(job, bitmap, reqNodes); mateErr == nil {
					err = nil
					break
				}
			}
			err = s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes)
		}
	}

	var victims []*structs.Job
	if err != nil && len(preemptees) > 0 {
		// Remove preemptable jobs from a scratch copy of state and
		// retry after each removal.
		expState := s.state.clone(s.gres, s.nodes)
		for _, cand := range s.cluster.Jobs() {
			if !cand.Running() && !cand.Suspended() {
				continue
			}
			if !isPreemptable(cand, preemptees) {
				continue
			}
			metrics.IncrCounter([]string{"selector", "preempt_attempts"}, 1)
			s.rmJobFromNodes(expState, cand, "run_now",
				cand.PreemptMode.RemovesAll())
			cnt := s.countBitmap(expState, job, origMap, bitmap,
				maxShare-1, structs.NoShareLimit, structs.ModeRunNow)
			if cnt < int(minNodes) {
				continue
			}
			err = s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes)
			if err == nil {
				break
			}
		}

		if err == nil {
			victims = overlappingJobs(bitmap, preemptees)
		}
	}

	if err == nil {
		s.buildJobResources(job, bitmap)
	}
	return victims, err
}

// willRun determines where and when the job can begin execution by removing
// jobs from a scratch copy of state in simulated-termination order. On
// success job.StartTime holds the earliest start time and the returned slice
// the preemption candidates overlapping the chosen nodes.
func (s *Selector) willRun(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32, maxShare int,
	preemptees []*structs.Job) ([]*structs.Job, error) {

	now := time.Now()
	maxRunJobs := maxShare - 1 // exclude this job
	if maxRunJobs < 1 {
		maxRunJobs = 1
	}
	origMap := bitmap.Copy()

	// Try to run with currently available nodes.
	cnt := s.countBitmap(s.state, job, origMap, bitmap,
		maxRunJobs, structs.NoShareLimit, structs.ModeWillRun)
	if cnt >= int(minNodes) {
		if err := s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes); err == nil {
			job.StartTime = now
			return nil, nil
		}
	}

	// The job remains pending. Simulate the termination of resident jobs
	// one at a time to determine when and where it can start.
	expState := s.state.clone(s.gres, s.nodes)
	var simJobs []*structs.Job
	for _, cand := range s.cluster.Jobs() {
		if !cand.Running() && !cand.Suspended() {
			continue
		}
		if cand.EndTime.IsZero() {
			s.logger.Error("job has zero end time", "job_id", cand.ID)
			continue
		}
		if isPreemptable(cand, preemptees) {
			// Remove preemptable jobs immediately.
			s.rmJobFromNodes(expState, cand, "will_run",
				cand.PreemptMode.RemovesAll())
		} else {
			simJobs = append(simJobs, cand)
		}
	}

	// Test with all preemptable jobs gone.
	err := structs.ErrNoFit
	if len(preemptees) > 0 {
		cnt = s.countBitmap(expState, job, origMap, bitmap,
			maxRunJobs, structs.NoShareLimit, structs.ModeRunNow)
		if cnt >= int(minNodes) {
			if err = s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes); err == nil {
				job.StartTime = now.Add(time.Second)
			}
		}
	}

	// Remove the remaining jobs in end-time order, retrying after each.
	if err != nil {
		sort.SliceStable(simJobs, func(i, j int) bool {
			return simJobs[i].EndTime.Before(simJobs[j].EndTime)
		})
		for _, ended := range simJobs {
			s.rmJobFromNodes(expState, ended, "will_run", true)
			cnt = s.countBitmap(expState, job, origMap, bitmap,
				maxRunJobs, structs.NoShareLimit, structs.ModeRunNow)
			if cnt < int(minNodes) {
				continue
			}
			if err = s.jobTestLinear(job, bitmap, minNodes, maxNodes, reqNodes); err != nil {
				continue
			}
			if ended.EndTime.After(now) {
				job.StartTime = ended.EndTime
			} else {
				job.StartTime = now.Add(time.Second)
			}
			break
		}
	}

	var victims []*structs.Job
	if err == nil && len(preemptees) > 0 {
		// The victim list is returned even if the victims are killed
		// by a component other than the caller.
		victims = overlappingJobs(bitmap, preemptees)
	}
	return victims, err
}

// findJobMate looks for a running job of identical shape to co-locate with
// when sharing is allowed. On a match the bitmap is narrowed to the mate's
// nodes and the mate's CPU total inherited.
func (s *Selector) findJobMate(job *structs.Job, bitmap structs.Bitmap,
	reqNodes uint32) error {

	for _, scan := range s.cluster.Jobs() {
		if !scan.Running() ||
			scan.NodeCnt != reqNodes ||
			scan.TotalCPUs < job.MinCPUs ||
			scan.NodeBitmap == nil ||
			!scan.NodeBitmap.SubsetOf(bitmap) {
			continue
		}
		if scan.Contiguous != job.Contiguous {
			continue
		}
		if job.ReqNodeBitmap != nil &&
			!job.ReqNodeBitmap.SubsetOf(scan.NodeBitmap) {
			continue // required nodes missing from job
		}
		if job.ExcNodeBitmap != nil &&
			job.ExcNodeBitmap.Overlaps(scan.NodeBitmap) {
			continue // excluded nodes in this job
		}
		bitmap.And(scan.NodeBitmap)
		job.TotalCPUs = scan.TotalCPUs
		return nil
	}
	return structs.ErrNoFit
}

func isPreemptable(job *structs.Job, candidates []*structs.Job) bool {
	for _, cand := range candidates {
		if cand == job || cand.ID == job.ID {
			return true
		}
	}
	return false
}

// overlappingJobs returns the candidates whose allocated nodes overlap the
// chosen bitmap.
func overlappingJobs(bitmap structs.Bitmap, candidates []*structs.Job) []*structs.Job {
	var out []*structs.Job
	for _, cand := range candidates {
		if cand.NodeBitmap == nil || !bitmap.Overlaps(cand.NodeBitmap) {
			continue
		}
		out = append(out, cand)
	}
	return out
}
