// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package structs

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

// nodeInfoMagic guards NodeInfo against use after release and against
// structures not built by NewNodeInfo or UnpackNodeInfo. It is not part of
// the wire frame.
const nodeInfoMagic uint16 = 0x3dfa

// NodeInfo is the per-node allocation snapshot published to the surrounding
// RPC layer: the CPU count allocated on the node, or zero when idle.
type NodeInfo struct {
	magic     uint16
	AllocCPUs uint16
}

// NewNodeInfo returns an initialized NodeInfo.
func NewNodeInfo() *NodeInfo {
	return &NodeInfo{magic: nodeInfoMagic}
}

// Valid reports whether the structure carries the expected magic.
func (n *NodeInfo) Valid() bool {
	return n != nil && n.magic == nodeInfoMagic
}

// Release invalidates the structure. A second release, or releasing a
// structure not built by NewNodeInfo or UnpackNodeInfo, returns ErrBadMagic.
// Unpacked structures always carry a valid magic, since the wire frame does
// not include it.
func (n *NodeInfo) Release() error {
	if n == nil {
		return nil
	}
	if n.magic != nodeInfoMagic {
		return ErrBadMagic
	}
	n.magic = 0
	return nil
}

var msgpackHandle = &codec.MsgpackHandle{}

// nodeInfoFrame is the version-tagged wire form of a NodeInfo.
type nodeInfoFrame struct {
	Version   uint16
	AllocCPUs uint16
}

// Pack writes the nodeinfo as a version-tagged msgpack frame.
func (n *NodeInfo) Pack(w io.Writer, version uint16) error {
	frame := nodeInfoFrame{
		Version:   version,
		AllocCPUs: n.AllocCPUs,
	}
	return codec.NewEncoder(w, msgpackHandle).Encode(&frame)
}

// UnpackNodeInfo reads a version-tagged msgpack frame written by Pack.
func UnpackNodeInfo(r io.Reader, version uint16) (*NodeInfo, error) {
	var frame nodeInfoFrame
	if err := codec.NewDecoder(r, msgpackHandle).Decode(&frame); err != nil {
		return nil, fmt.Errorf("failed to unpack nodeinfo: %w", err)
	}
	if frame.Version != version {
		return nil, fmt.Errorf("nodeinfo version mismatch: %d != %d",
			frame.Version, version)
	}
	ni := NewNodeInfo()
	ni.AllocCPUs = frame.AllocCPUs
	return ni, nil
}
