// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import "github.com/hashicorp/cluster-select/structs"

// consecRun describes one maximal run of consecutive candidate nodes on the
// node index line. req is the index of the first required node in the run, or
// -1. Required nodes are committed to the allocation during the sweep and are
// not counted in nodes or cpus.
type consecRun struct {
	start int
	end   int
	nodes int
	cpus  int
	req   int
}

// jobTestLinear picks nodes for the job from the candidate bitmap by
// consecutive-run best fit, preferring a single tight run. On success the
// bitmap holds exactly the chosen nodes and job.TotalCPUs is set; on failure
// it returns ErrNoFit.
func (s *Selector) jobTestLinear(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32) error {

	if bitmap.Count() < int(minNodes) {
		return structs.ErrNoFit
	}
	if job.ReqNodeBitmap != nil && !job.ReqNodeBitmap.SubsetOf(bitmap) {
		return structs.ErrNoFit
	}

	if len(s.switches) > 0 {
		// Perform optimized resource selection based upon topology
		return s.jobTestTopo(job, bitmap, minNodes, maxNodes, reqNodes)
	}

	remCPUs := int(job.MinCPUs)
	remNodes := int(minNodes)
	if reqNodes > minNodes {
		remNodes = int(reqNodes)
	}
	max := int(maxNodes)
	totalCPUs := 0

	// Build the table of maximal consecutive candidate runs. Required
	// nodes are accepted into the allocation immediately; other candidate
	// nodes are cleared from the bitmap and re-set only when chosen.
	runs := make([]consecRun, 1, 50)
	runs[0].req = -1
	cur := 0
	for index := range s.nodes {
		if bitmap.Check(uint(index)) {
			if runs[cur].nodes == 0 {
				runs[cur].start = index
			}
			availCPUs := int(s.availCPUsOn(job, index))
			if job.ReqNodeBitmap != nil && max > 0 &&
				job.ReqNodeBitmap.Check(uint(index)) {
				if runs[cur].req == -1 {
					// first required node in run
					runs[cur].req = index
				}
				remNodes--
				max--
				remCPUs -= availCPUs
				totalCPUs += int(s.totalCPUs(index))
			} else { // node not required (yet)
				bitmap.Unset(uint(index))
				runs[cur].cpus += availCPUs
				runs[cur].nodes++
			}
		} else if runs[cur].nodes == 0 {
			// already picked up any required nodes; re-use record
			runs[cur].req = -1
		} else {
			runs[cur].end = index - 1
			runs = append(runs, consecRun{req: -1})
			cur++
		}
	}
	if runs[cur].nodes != 0 {
		runs[cur].end = len(s.nodes) - 1
		cur++
	}
	runs = runs[:cur]

	// Accumulate nodes from the runs until sufficient resources have been
	// gathered.
	success := false
	for max > 0 {
		bestFit := -1
		bestFitCPUs, bestFitNodes := 0, 0
		bestFitReq := -1
		bestFitSufficient := false
		for i := range runs {
			if runs[i].nodes == 0 {
				continue // no usable nodes here
			}
			if job.Contiguous && job.ReqNodeBitmap != nil &&
				runs[i].req == -1 {
				continue // no required nodes here
			}
			sufficient := runs[i].cpus >= remCPUs &&
				enoughNodes(runs[i].nodes, remNodes, minNodes, reqNodes)

			// Pick the first possibility, a run containing required
			// nodes, the first run large enough for the request, the
			// tightest sufficient run, or the biggest insufficient one.
			if bestFitNodes == 0 ||
				(bestFitReq == -1 && runs[i].req != -1) ||
				(sufficient && !bestFitSufficient) ||
				(sufficient && runs[i].cpus < bestFitCPUs) ||
				(!sufficient && runs[i].cpus > bestFitCPUs) {
				bestFitCPUs = runs[i].cpus
				bestFitNodes = runs[i].nodes
				bestFit = i
				bestFitReq = runs[i].req
				bestFitSufficient = sufficient
			}

			if job.Contiguous && job.ReqNodeBitmap != nil {
				// All required nodes must share a single run.
				otherRuns := false
				for j := i + 1; j < len(runs); j++ {
					if runs[j].req != -1 {
						otherRuns = true
						break
					}
				}
				if otherRuns {
					bestFitNodes = 0
					break
				}
			}
		}
		if bestFitNodes == 0 {
			break
		}
		if job.Contiguous &&
			(bestFitCPUs < remCPUs ||
				!enoughNodes(bestFitNodes, remNodes, minNodes, reqNodes)) {
			break // no hole large enough
		}

		take := func(i int) {
			bitmap.Set(uint(i))
			remNodes--
			max--
			availCPUs := int(s.availCPUsOn(job, i))
			remCPUs -= availCPUs
			totalCPUs += int(s.totalCPUs(i))
		}
		satisfied := func() bool {
			return max <= 0 || (remNodes <= 0 && remCPUs <= 0)
		}

		if bestFitReq != -1 {
			// The run includes required nodes: select nodes working
			// up, then down, from the first required one.
			for i := bestFitReq; i <= runs[bestFit].end; i++ {
				if satisfied() {
					break
				}
				if bitmap.Check(uint(i)) {
					continue
				}
				take(i)
			}
			for i := bestFitReq - 1; i >= runs[bestFit].start; i-- {
				if satisfied() {
					break
				}
				if bitmap.Check(uint(i)) {
					continue
				}
				take(i)
			}
		} else {
			for i := runs[bestFit].start; i <= runs[bestFit].end; i++ {
				if satisfied() {
					break
				}
				if bitmap.Check(uint(i)) {
					continue
				}
				take(i)
			}
		}

		if job.Contiguous || (remNodes <= 0 && remCPUs <= 0) {
			success = true
			break
		}
		runs[bestFit].cpus = 0
		runs[bestFit].nodes = 0
	}

	if !success && remCPUs <= 0 &&
		enoughNodes(0, remNodes, minNodes, reqNodes) {
		success = true
	}
	if !success {
		return structs.ErrNoFit
	}

	// The CPU total is needed for will-run tests.
	job.TotalCPUs = uint32(totalCPUs)
	return nil
}
