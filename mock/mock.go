// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

// Package mock provides test fixtures for the selector and its collaborators.
package mock

import (
	"fmt"
	"sync/atomic"

	"github.com/hashicorp/cluster-select/structs"
)

var nextJobID uint32

// Node returns a canonical 4-CPU node with matching configured and detected
// hardware.
func Node() *structs.Node {
	return &structs.Node{
		Name:       "node0",
		CPUs:       4,
		Sockets:    1,
		Cores:      4,
		Threads:    1,
		RealMemory: 8192,
		Config: &structs.NodeConfig{
			CPUs:       4,
			Sockets:    1,
			Cores:      4,
			Threads:    1,
			RealMemory: 8192,
		},
		State: structs.NodeStateIdle,
	}
}

// Nodes returns a node table of n canonical nodes named node0..node(n-1).
func Nodes(n int) []*structs.Node {
	nodes := make([]*structs.Node, n)
	for i := range nodes {
		node := Node()
		node.Name = fmt.Sprintf("node%d", i)
		nodes[i] = node
	}
	return nodes
}

// Partition returns a partition covering the given nodes with sharing
// disabled.
func Partition(name string, nodeBitmap structs.Bitmap) *structs.Partition {
	return &structs.Partition{
		Name:       name,
		MaxShare:   1,
		NodeBitmap: nodeBitmap,
	}
}

// Job returns a pending exclusive job with a unique nonzero ID asking for
// one node and one CPU.
func Job(part *structs.Partition) *structs.Job {
	id := atomic.AddUint32(&nextJobID, 1)
	return &structs.Job{
		ID:        id,
		Name:      fmt.Sprintf("job%d", id),
		Partition: part,
		State:     structs.JobStatePending,
		MinCPUs:   1,
	}
}

// Switch returns a switch covering the given nodes.
func Switch(name string, level int, nodeBitmap structs.Bitmap) *structs.Switch {
	return &structs.Switch{
		Name:       name,
		Level:      level,
		LinkSpeed:  1,
		NodeBitmap: nodeBitmap,
	}
}

// Bitmap returns a bitmap sized for size indexes with the given bits set.
func Bitmap(size uint, indexes ...uint) structs.Bitmap {
	bm, err := structs.NewBitmap(size)
	if err != nil {
		panic(err)
	}
	for _, i := range indexes {
		bm.Set(i)
	}
	return bm
}

// FullBitmap returns a bitmap with indexes 0..size-1 set.
func FullBitmap(size uint) structs.Bitmap {
	bm, err := structs.NewBitmap(size)
	if err != nil {
		panic(err)
	}
	for i := uint(0); i < size; i++ {
		bm.Set(i)
	}
	return bm
}

// ClusterState is a static selector.ClusterState for tests.
type ClusterState struct {
	JobList  []*structs.Job
	PartList []*structs.Partition
}

func (c *ClusterState) Jobs() []*structs.Job { return c.JobList }

func (c *ClusterState) Partitions() []*structs.Partition { return c.PartList }
