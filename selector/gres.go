// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import "github.com/hashicorp/cluster-select/structs"

// NoGresLimit is returned by GresPlugin.JobTest when generic resources do not
// bound the CPUs usable by the job on a node.
const NoGresLimit = ^uint32(0)

// GresPlugin abstracts the external generic-resource tracker (GPUs, licenses,
// etc.). Per-node state values are opaque to the selector; it only moves them
// between the node table, its own accounting and the plugin. Implementations
// must be synchronous and must not call back into the selector.
type GresPlugin interface {
	// JobTest returns the number of CPUs on the node that the job's
	// generic-resource request can cover, or NoGresLimit when the request
	// is unconstrained. With useTotal the test ignores current
	// allocations and considers the node's total resources.
	JobTest(job *structs.Job, nodeState interface{}, useTotal bool) uint32

	// JobAlloc claims the job's generic resources on one node of its
	// allocation.
	JobAlloc(job *structs.Job, nodeState interface{}, nodeCnt, nodeOffset int, cpuCnt uint16)

	// JobDealloc releases the job's generic resources on one node.
	JobDealloc(job *structs.Job, nodeState interface{}, nodeOffset int)

	// StateDup returns an independent deep copy of a per-node state.
	StateDup(nodeState interface{}) interface{}

	// DeallocAll clears every allocation recorded in a per-node state.
	DeallocAll(nodeState interface{})

	// StateLog records the per-node state for debugging.
	StateLog(nodeState interface{}, nodeName string)
}

// noopGres satisfies GresPlugin for clusters without generic resources.
type noopGres struct{}

func (noopGres) JobTest(*structs.Job, interface{}, bool) uint32 { return NoGresLimit }

func (noopGres) JobAlloc(*structs.Job, interface{}, int, int, uint16) {}

func (noopGres) JobDealloc(*structs.Job, interface{}, int) {}

func (noopGres) StateDup(interface{}) interface{} { return nil }

func (noopGres) DeallocAll(interface{}) {}

func (noopGres) StateLog(interface{}, string) {}
