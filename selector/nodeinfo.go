// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"fmt"
	"time"

	"github.com/hashicorp/cluster-select/structs"
)

// NodeDataKey selects the field NodeInfoGet reads.
type NodeDataKey uint8

const (
	// NodeDataSubgrpSize is unused by the linear selector and reads zero.
	NodeDataSubgrpSize NodeDataKey = iota

	// NodeDataSubcnt reads the allocated CPU count for allocated nodes.
	NodeDataSubcnt

	// NodeDataPtr reads the nodeinfo structure itself.
	NodeDataPtr
)

// NodeInfoSetAll publishes the per-node allocated-CPU snapshot: the node's
// full CPU count while it is allocated or completing, zero otherwise. The
// publish is skipped with ErrNoChange when the node table has not changed
// since the last one.
func (s *Selector) NodeInfoSetAll(lastNodeUpdate time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastSetAll.IsZero() && lastNodeUpdate.Before(s.lastSetAll) {
		s.logger.Debug("node select info unchanged", "since", s.lastSetAll)
		return structs.ErrNoChange
	}
	s.lastSetAll = lastNodeUpdate

	for _, node := range s.nodes {
		ni := node.NodeInfo
		if ni == nil {
			ni = structs.NewNodeInfo()
			node.NodeInfo = ni
		}
		switch node.State {
		case structs.NodeStateAllocated, structs.NodeStateCompleting:
			if s.fastSchedule {
				ni.AllocCPUs = node.Config.CPUs
			} else {
				ni.AllocCPUs = node.CPUs
			}
		default:
			ni.AllocCPUs = 0
		}
	}
	return nil
}

// NodeInfoGet reads one field of a published nodeinfo into data, which must
// be a *uint16 for counts or a **structs.NodeInfo for NodeDataPtr.
func (s *Selector) NodeInfoGet(ni *structs.NodeInfo, key NodeDataKey,
	state structs.NodeState, data interface{}) error {

	if ni == nil {
		s.logger.Error("nodeinfo not set")
		return structs.ErrInvariant
	}
	if !ni.Valid() {
		s.logger.Error("nodeinfo magic bad")
		return structs.ErrInvariant
	}

	switch key {
	case NodeDataSubgrpSize:
		out, ok := data.(*uint16)
		if !ok {
			return fmt.Errorf("nodeinfo key %d requires *uint16", key)
		}
		*out = 0
	case NodeDataSubcnt:
		out, ok := data.(*uint16)
		if !ok {
			return fmt.Errorf("nodeinfo key %d requires *uint16", key)
		}
		if state == structs.NodeStateAllocated {
			*out = ni.AllocCPUs
		} else {
			*out = 0
		}
	case NodeDataPtr:
		out, ok := data.(**structs.NodeInfo)
		if !ok {
			return fmt.Errorf("nodeinfo key %d requires **structs.NodeInfo", key)
		}
		*out = ni
	default:
		s.logger.Error("unsupported nodeinfo key", "key", key)
		return structs.ErrInvariant
	}
	return nil
}
