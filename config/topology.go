// Package config parses the JSON topology file and command-line flags
// (spec §6). Flag values override built-in defaults, merged the same way
// the teacher's cmd/memcached does; the topology file is loaded on its own
// by LoadTopology and supplies no Config values (SPEC_FULL.md §4.8).
package config

import (
	"encoding/json"
	"io/ioutil"
	"net"

	"github.com/facebookgo/stackerr"
)

// Node is one backend server's address in the topology file.
type Node struct {
	Rack int    `json:"rack"`
	Addr string `json:"addr"`
}

// Topology is the parsed `--config` JSON file (spec §6 "Configuration
// file").
type Topology struct {
	NumRacks       int    `json:"num_racks"`
	NumNodes       int    `json:"num_nodes"`
	Nodes          []Node `json:"nodes"`
	LBAddr         string `json:"lb_addr"`
	ControllerAddr string `json:"controller_addr"`
}

// LoadTopology reads and parses a topology file at path.
func LoadTopology(path string) (*Topology, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	var t Topology
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, stackerr.Wrap(err)
	}
	if len(t.Nodes) != t.NumNodes {
		return nil, stackerr.Newf("topology declares %d nodes but lists %d", t.NumNodes, len(t.Nodes))
	}
	return &t, nil
}

// NodeAddr resolves node's UDP address for dialing/forwarding.
func (t *Topology) NodeAddr(node uint8) (*net.UDPAddr, error) {
	if int(node) >= len(t.Nodes) {
		return nil, stackerr.Newf("node id %v out of range (%v nodes)", node, len(t.Nodes))
	}
	addr, err := net.ResolveUDPAddr("udp", t.Nodes[node].Addr)
	if err != nil {
		return nil, stackerr.Wrap(err)
	}
	return addr, nil
}
