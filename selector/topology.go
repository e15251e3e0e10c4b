// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import "github.com/hashicorp/cluster-select/structs"

// switchState is the working view of one switch during a topology test:
// the subtree's candidate nodes and their counts.
type switchState struct {
	bitmap   structs.Bitmap
	cpuCnt   int
	nodeCnt  int
	required bool
}

// jobTestTopo is the topology-aware version of jobTestLinear: it selects
// within the lowest-level, smallest switch subtree whose candidate nodes
// satisfy the request, then fills from its leafs on a best-fit basis.
func (s *Selector) jobTestTopo(job *structs.Job, bitmap structs.Bitmap,
	minNodes, maxNodes, reqNodes uint32) error {

	remCPUs := int(job.MinCPUs)
	remNodes := int(minNodes)
	if reqNodes > minNodes {
		remNodes = int(reqNodes)
	}
	max := int(maxNodes)
	totalCPUs := 0

	done := func() error {
		// The CPU total is needed for will-run tests.
		job.TotalCPUs = uint32(totalCPUs)
		return nil
	}

	var reqBitmap structs.Bitmap
	if job.ReqNodeBitmap != nil {
		reqBitmap = job.ReqNodeBitmap.Copy()
		if cnt := reqBitmap.Count(); cnt > max {
			s.logger.Info("job requires more nodes than currently available",
				"job_id", job.ID, "required", cnt, "max_nodes", max)
			return structs.ErrNoFit
		}
	}

	// Build the working switch entries from the candidate bitmap, then
	// clear it; it is rebuilt with the chosen nodes.
	switches := make([]switchState, len(s.switches))
	avail, _ := structs.NewBitmap(uint(len(s.nodes)))
	for i, sw := range s.switches {
		active := sw.NodeBitmap.Copy()
		active.And(bitmap)
		switches[i].bitmap = active
		switches[i].nodeCnt = active.Count()
		avail.Or(active)
		if reqBitmap != nil && reqBitmap.Overlaps(active) {
			switches[i].required = true
		}
	}
	bitmap.Clear()

	if reqBitmap != nil && !reqBitmap.SubsetOf(avail) {
		s.logger.Info("job requires nodes not available on any switch",
			"job_id", job.ID)
		return structs.ErrNoFit
	}

	if reqBitmap != nil {
		// Accumulate the specific required nodes first.
		for i := range s.nodes {
			if !reqBitmap.Check(uint(i)) {
				continue
			}
			if max <= 0 {
				s.logger.Info("job requires more nodes than allowed",
					"job_id", job.ID)
				return structs.ErrNoFit
			}
			bitmap.Set(uint(i))
			avail.Unset(uint(i))
			remNodes--
			max--
			remCPUs -= int(s.availCPUsOn(job, i))
			totalCPUs += int(s.totalCPUs(i))
			for j := range switches {
				if switches[j].bitmap.Check(uint(i)) {
					switches[j].bitmap.Unset(uint(i))
					switches[j].nodeCnt--
				}
			}
		}
		if remNodes <= 0 && remCPUs <= 0 {
			return done()
		}

		// Accumulate additional resources from leafs that contain
		// required nodes.
		for j := range switches {
			if s.switches[j].Level != 0 || switches[j].nodeCnt == 0 ||
				!switches[j].required {
				continue
			}
			for max > 0 && (remNodes > 0 || remCPUs > 0) {
				i := switches[j].bitmap.First()
				if i < 0 {
					break
				}
				switches[j].bitmap.Unset(uint(i))
				switches[j].nodeCnt--
				if bitmap.Check(uint(i)) {
					// node on multiple leaf switches and
					// already selected
					continue
				}
				bitmap.Set(uint(i))
				avail.Unset(uint(i))
				remNodes--
				max--
				remCPUs -= int(s.availCPUsOn(job, i))
				totalCPUs += int(s.totalCPUs(i))
			}
		}
		if remNodes <= 0 && remCPUs <= 0 {
			return done()
		}

		// Drop nodes already taken at the leaf level from the higher
		// switches and compute the remaining CPU totals.
		for j := range switches {
			if switches[j].nodeCnt == 0 {
				continue
			}
			for i := switches[j].bitmap.First(); i >= 0 && i < len(s.nodes); i++ {
				if !switches[j].bitmap.Check(uint(i)) {
					continue
				}
				if !avail.Check(uint(i)) {
					switches[j].bitmap.Unset(uint(i))
					switches[j].nodeCnt--
				} else {
					switches[j].cpuCnt += int(s.availCPUsOn(job, i))
				}
			}
		}
	} else {
		// No specific required nodes, calculate CPU counts
		for j := range switches {
			for i := switches[j].bitmap.First(); i >= 0 && i < len(s.nodes); i++ {
				if !switches[j].bitmap.Check(uint(i)) {
					continue
				}
				switches[j].cpuCnt += int(s.availCPUsOn(job, i))
			}
		}
	}

	// Determine the lowest-level switch satisfying the request, breaking
	// ties by smallest subtree.
	bestInx := -1
	for j := range switches {
		if switches[j].cpuCnt < remCPUs ||
			!enoughNodes(switches[j].nodeCnt, remNodes, minNodes, reqNodes) {
			continue
		}
		if bestInx == -1 ||
			s.switches[j].Level < s.switches[bestInx].Level ||
			(s.switches[j].Level == s.switches[bestInx].Level &&
				switches[j].nodeCnt < switches[bestInx].nodeCnt) {
			bestInx = j
		}
	}
	if bestInx == -1 {
		s.logger.Debug("could not find topology resources for job",
			"job_id", job.ID)
		return structs.ErrNoFit
	}
	avail.And(switches[bestInx].bitmap)

	// Identify usable leafs within the chosen subtree.
	for j := range switches {
		if s.switches[j].Level != 0 ||
			!switches[j].bitmap.SubsetOf(switches[bestInx].bitmap) {
			switches[j].nodeCnt = 0
		}
	}

	// Select resources from these leafs on a best-fit basis.
	for max > 0 && (remNodes > 0 || remCPUs > 0) {
		bestFit := -1
		bestFitCPUs, bestFitNodes := 0, 0
		bestFitSufficient := false
		for j := range switches {
			if switches[j].nodeCnt == 0 {
				continue
			}
			sufficient := switches[j].cpuCnt >= remCPUs &&
				enoughNodes(switches[j].nodeCnt, remNodes, minNodes, reqNodes)
			if bestFitNodes == 0 ||
				(sufficient && !bestFitSufficient) ||
				(sufficient && switches[j].cpuCnt < bestFitCPUs) ||
				(!sufficient && switches[j].cpuCnt > bestFitCPUs) {
				bestFitCPUs = switches[j].cpuCnt
				bestFitNodes = switches[j].nodeCnt
				bestFit = j
				bestFitSufficient = sufficient
			}
		}
		if bestFitNodes == 0 {
			break
		}

		// Pull usable nodes from this leaf.
		for i := switches[bestFit].bitmap.First(); i >= 0 && i < len(s.nodes); i++ {
			if !switches[bestFit].bitmap.Check(uint(i)) {
				continue
			}
			switches[bestFit].bitmap.Unset(uint(i))
			switches[bestFit].nodeCnt--
			availCPUs := int(s.availCPUsOn(job, i))
			switches[bestFit].cpuCnt -= availCPUs

			if bitmap.Check(uint(i)) {
				// node on multiple leaf switches and already
				// selected
				continue
			}

			bitmap.Set(uint(i))
			remNodes--
			max--
			remCPUs -= availCPUs
			totalCPUs += int(s.totalCPUs(i))
			if max <= 0 || (remNodes <= 0 && remCPUs <= 0) {
				break
			}
		}
		switches[bestFit].nodeCnt = 0
	}

	if remCPUs <= 0 && enoughNodes(0, remNodes, minNodes, reqNodes) {
		return done()
	}
	return structs.ErrNoFit
}
