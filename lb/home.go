package lb

// Home returns the deterministic home node for keyhash when it is not
// (yet) replicated: keyhash mod N (spec §9 "Home function"). Any
// deterministic, configuration-derived mapping is acceptable so long as
// every node and the LB agree; this is the mapping every node in this
// implementation uses.
func Home(keyhash uint32, numNodes int) uint8 {
	return uint8(keyhash % uint32(numNodes))
}
