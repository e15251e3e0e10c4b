// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package selector

import (
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/hashicorp/cluster-select/ci"
	"github.com/hashicorp/cluster-select/structs"
)

func TestNodeInfoSetAll(t *testing.T) {
	ci.Parallel(t)

	s, nodes := newTestSelector(t, 4, nil, nil)
	nodes[0].State = structs.NodeStateAllocated
	nodes[1].State = structs.NodeStateCompleting
	nodes[2].State = structs.NodeStateIdle

	lastUpdate := time.Now()
	must.NoError(t, s.NodeInfoSetAll(lastUpdate))

	must.Eq(t, uint16(4), nodes[0].NodeInfo.AllocCPUs)
	must.Eq(t, uint16(4), nodes[1].NodeInfo.AllocCPUs)
	must.Eq(t, uint16(0), nodes[2].NodeInfo.AllocCPUs)
	must.Eq(t, uint16(0), nodes[3].NodeInfo.AllocCPUs)

	// A stale node table short-circuits the publish.
	must.ErrorIs(t, s.NodeInfoSetAll(lastUpdate.Add(-time.Minute)),
		structs.ErrNoChange)

	// A fresh update publishes again.
	nodes[2].State = structs.NodeStateAllocated
	must.NoError(t, s.NodeInfoSetAll(lastUpdate.Add(time.Minute)))
	must.Eq(t, uint16(4), nodes[2].NodeInfo.AllocCPUs)
}

func TestNodeInfoGet(t *testing.T) {
	ci.Parallel(t)

	s, _ := newTestSelector(t, 1, nil, nil)

	ni := structs.NewNodeInfo()
	ni.AllocCPUs = 8

	var cnt uint16
	must.NoError(t, s.NodeInfoGet(ni, NodeDataSubgrpSize,
		structs.NodeStateAllocated, &cnt))
	must.Eq(t, uint16(0), cnt)

	must.NoError(t, s.NodeInfoGet(ni, NodeDataSubcnt,
		structs.NodeStateAllocated, &cnt))
	must.Eq(t, uint16(8), cnt)

	must.NoError(t, s.NodeInfoGet(ni, NodeDataSubcnt,
		structs.NodeStateIdle, &cnt))
	must.Eq(t, uint16(0), cnt)

	var ptr *structs.NodeInfo
	must.NoError(t, s.NodeInfoGet(ni, NodeDataPtr,
		structs.NodeStateAllocated, &ptr))
	must.True(t, ni == ptr)

	// Released structures are rejected.
	must.NoError(t, ni.Release())
	must.ErrorIs(t, s.NodeInfoGet(ni, NodeDataSubcnt,
		structs.NodeStateAllocated, &cnt), structs.ErrInvariant)

	// Nil structures are rejected.
	must.ErrorIs(t, s.NodeInfoGet(nil, NodeDataSubcnt,
		structs.NodeStateAllocated, &cnt), structs.ErrInvariant)
}
