// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/hashicorp/cluster-select/structs"
)

// ResvTest identifies the nodes which best satisfy an advance reservation of
// nodeCnt nodes out of the available bitmap: the smallest, lowest-level
// switch subtree with enough nodes, filled leaf by leaf on a node-count
// best-fit basis. Without a topology the first nodeCnt available nodes are
// taken. Returns nil when the reservation cannot be satisfied.
func (s *Selector) ResvTest(avail structs.Bitmap, nodeCnt uint32) structs.Bitmap {
	defer metrics.MeasureSince([]string{"selector", "resv_test"}, time.Now())

	if avail == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.switches) == 0 {
		return pickCount(avail, int(nodeCnt))
	}

	if avail.Count() < int(nodeCnt) {
		return nil
	}
	remNodes := int(nodeCnt)

	switches := make([]switchState, len(s.switches))
	for i, sw := range s.switches {
		active := sw.NodeBitmap.Copy()
		active.And(avail)
		switches[i].bitmap = active
		switches[i].nodeCnt = active.Count()
	}

	// Determine the lowest-level switch satisfying the reservation,
	// breaking ties by smallest subtree.
	bestInx := -1
	for j := range switches {
		if switches[j].nodeCnt < remNodes {
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
		s.logger.Debug("could not find resources for reservation",
			"node_cnt", nodeCnt)
		return nil
	}

	// Identify usable leafs within the chosen subtree.
	for j := range switches {
		if s.switches[j].Level != 0 ||
			!switches[j].bitmap.SubsetOf(switches[bestInx].bitmap) {
			switches[j].nodeCnt = 0
		}
	}

	// Select nodes from these leafs on a best-fit basis.
	picked, _ := structs.NewBitmap(uint(len(s.nodes)))
	for remNodes > 0 {
		bestFit := -1
		bestFitNodes := 0
		bestFitSufficient := false
		for j := range switches {
			if switches[j].nodeCnt == 0 {
				continue
			}
			sufficient := switches[j].nodeCnt >= remNodes
			if bestFitNodes == 0 ||
				(sufficient && !bestFitSufficient) ||
				(sufficient && switches[j].nodeCnt < bestFitNodes) ||
				(!sufficient && switches[j].nodeCnt > bestFitNodes) {
				bestFitNodes = switches[j].nodeCnt
				bestFit = j
				bestFitSufficient = sufficient
			}
		}
		if bestFitNodes == 0 {
			break
		}

		for i := switches[bestFit].bitmap.First(); i >= 0 && i < len(s.nodes); i++ {
			if !switches[bestFit].bitmap.Check(uint(i)) {
				continue
			}
			switches[bestFit].bitmap.Unset(uint(i))
			switches[bestFit].nodeCnt--

			if picked.Check(uint(i)) {
				// node on multiple leaf switches and already
				// selected
				continue
			}
			picked.Set(uint(i))
			remNodes--
			if remNodes <= 0 {
				break
			}
		}
		switches[bestFit].nodeCnt = 0
	}

	if remNodes > 0 { // insufficient resources
		return nil
	}
	return picked
}

// pickCount returns a bitmap holding the first cnt set bits of avail, or nil
// when avail holds fewer.
func pickCount(avail structs.Bitmap, cnt int) structs.Bitmap {
	picked, err := structs.NewBitmap(avail.Size())
	if err != nil {
		return nil
	}
	for i := uint(0); i < avail.Size() && cnt > 0; i++ {
		if avail.Check(i) {
			picked.Set(i)
			cnt--
		}
	}
	if cnt > 0 {
		return nil
	}
	return picked
}
