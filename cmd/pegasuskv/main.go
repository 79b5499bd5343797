package main

import (
	"bufio"
	"fmt"
	"math/rand"
	"net"
	"os"
	"sync"
	"time"

	"pegasuskv/client"
	"pegasuskv/config"
	"pegasuskv/controller"
	"pegasuskv/hotkey"
	"pegasuskv/kvserver"
	"pegasuskv/lb"
	"pegasuskv/log"
	"pegasuskv/migration"
	"pegasuskv/recycle"
	"pegasuskv/rset"
	"pegasuskv/transport"
	"pegasuskv/wire"
	"pegasuskv/workload"
)

// epochDuration is the migration controller's tick period, also handed to
// the backend kernel (spec §9 EPOCH_DURATION); kept as an unexported constant rather
// than a flag since spec §6's CLI surface does not expose it.
const (
	epochDuration  = time.Second
	mgrTimeout     = 500 * time.Millisecond
	clientDedupLen = 64
	hkSampleRate   = 8
	hkThreshold    = 5
	hkMaxRKeys     = 32
	hkMargin       = 1
)

func main() {
	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		config.FatalIfErr(err, false)
		return
	}
	l := log.NewLogger(log.InfoLevel, os.Stderr)

	var top *config.Topology
	if cfg.ConfigPath != "" {
		top, err = config.LoadTopology(cfg.ConfigPath)
		if err != nil {
			config.FatalIfErr(err, false)
			return
		}
	}

	switch config.Role(cfg.Role) {
	case config.RoleLB:
		err = runLB(l, top)
	case config.RoleServer:
		err = runServer(l, top, cfg)
	case config.RoleClient:
		err = runClient(l, top, cfg)
	case config.RoleController:
		err = runController(l, top)
	default:
		err = config.ErrMisconfigured()
	}
	config.FatalIfErr(err, err != config.ErrMisconfigured())
}

// runLB wires C1-C5 and C7 into the load balancer entry point (spec §4.4,
// §4.5, §4.8 role=lb), matching the teacher's main()'s "build collaborators,
// start serving, block" shape.
func runLB(l log.Logger, top *config.Topology) error {
	if top == nil {
		return fmt.Errorf("--config topology required for --role lb")
	}
	pool := recycle.NewPool()
	clientSock, err := transport.Listen(l, pool, top.LBAddr)
	if err != nil {
		return err
	}
	defer clientSock.Close()
	serverSock, err := transport.Listen(l, pool, "")
	if err != nil {
		return err
	}
	defer serverSock.Close()

	table := rset.NewTable(l)
	detector := hotkey.New(l, hotkey.Config{
		SampleRate: hkSampleRate,
		Threshold:  hkThreshold,
		MaxRKeys:   hkMaxRKeys,
		Margin:     hkMargin,
	})
	clients := lb.NewClientTable(clientDedupLen)
	var verNext uint32
	pipeline := lb.NewPipeline(l, table, detector, clients, &verNext, top.NumNodes)

	sender := &nodeSender{sock: serverSock, top: top}
	migrationCtrl := migration.NewController(l, detector, table, sender, &verNext,
		func(keyhash uint32) uint8 { return lb.Home(keyhash, top.NumNodes) },
		top.NumNodes, hkMaxRKeys, mgrTimeout)

	clientAddrs := &clientAddrTable{addrs: make(map[uint8]net.Addr)}

	go func() {
		ticker := time.NewTicker(epochDuration)
		defer ticker.Stop()
		for range ticker.C {
			migrationCtrl.RunEpoch()
		}
	}()

	go serveLBServerSide(l, serverSock, clientSock, pipeline, migrationCtrl, clientAddrs)

	l.Infof("lb: listening on %s (client), %s (server)", clientSock.LocalAddr(), serverSock.LocalAddr())
	serveLBClientSide(l, clientSock, serverSock, pipeline, table, detector, clients, top, clientAddrs)
	return nil
}

// clientAddrTable remembers which network address a client_id's packets
// arrive from, so REPLY/RESET_REPLY frames (which carry only the wire
// header's small client_id, not a socket address) can be routed back; spec
// §4.1/§4.4 leave this binding implicit, so this LB maintains it explicitly
// over real UDP sockets.
type clientAddrTable struct {
	mu    sync.Mutex
	addrs map[uint8]net.Addr
}

func (t *clientAddrTable) record(id uint8, addr net.Addr) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

func (t *clientAddrTable) lookup(id uint8) (net.Addr, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr, ok := t.addrs[id]
	return addr, ok
}

// serveLBClientSide runs the client-facing read loop: READ/WRITE/DEL go
// through the pipeline and fan out toward servers; RESET drains every
// stateful component and replies RESET_REPLY{OK} (spec §8 scenario S6).
func serveLBClientSide(l log.Logger, clientSock, serverSock *transport.Socket, p *lb.Pipeline, table *rset.Table, detector *hotkey.Detector, clients *lb.ClientTable, top *config.Topology, addrs *clientAddrTable) {
	for {
		f, err := clientSock.ReadFrame()
		if err != nil {
			l.Errorf("lb: client read error: %v", err)
			return
		}
		frame := append([]byte(nil), f.Data...)
		from := f.From
		f.Release()

		res := p.HandlePacket(lb.FromClient, frame)
		if res.Malformed {
			continue
		}
		if res.Control != nil {
			handleClientControl(l, clientSock, p, table, detector, clients, *res.Control, from)
			continue
		}
		if h, err := wire.Parse(frame); err == nil {
			addrs.record(h.ClientID, from)
		}
		for _, eg := range res.Forwards {
			nodeAddr, err := top.NodeAddr(eg.Node)
			if err != nil {
				l.Warnf("lb: no address for node %v: %v", eg.Node, err)
				continue
			}
			if err := serverSock.WriteFrameTo(eg.Data, nodeAddr); err != nil {
				l.Warnf("lb: forward to node %v failed: %v", eg.Node, err)
			}
		}
	}
}

// handleClientControl processes RESET arriving on the client-facing socket
// (spec §4.6 control ops, §8 S6).
func handleClientControl(l log.Logger, sock *transport.Socket, p *lb.Pipeline, table *rset.Table, detector *hotkey.Detector, clients *lb.ClientTable, h wire.Header, from net.Addr) {
	if h.OpType != wire.Reset {
		return
	}
	table.Reset()
	detector.Reset()
	clients.Reset()
	p.Reset()
	l.Info("lb: cluster reset")

	reply := make([]byte, wire.HeaderSize)
	wire.Encode(reply, wire.Header{OpType: wire.ResetReply, Load: uint16(wire.AckOK)})
	if err := sock.WriteFrameTo(reply, from); err != nil {
		l.Warnf("lb: reset reply send failed: %v", err)
	}
}

// serveLBServerSide runs the server-facing read loop: REPLY goes back to
// the originating client (deduplicated), MGR_ACK goes to the migration
// controller (spec §4.4.3, §4.5 step 3).
func serveLBServerSide(l log.Logger, serverSock, clientSock *transport.Socket, p *lb.Pipeline, mc *migration.Controller, addrs *clientAddrTable) {
	for {
		f, err := serverSock.ReadFrame()
		if err != nil {
			l.Errorf("lb: server read error: %v", err)
			return
		}
		frame := append([]byte(nil), f.Data...)
		f.Release()

		res := p.HandlePacket(lb.FromServer, frame)
		if res.Malformed {
			continue
		}
		if res.Control != nil {
			if res.Control.OpType == wire.MgrAck {
				mc.HandleMgrAck(*res.Control)
			}
			continue
		}
		if res.ToClient == nil {
			continue
		}
		h, err := wire.Parse(res.ToClient)
		if err != nil {
			continue
		}
		addr, ok := addrs.lookup(h.ClientID)
		if !ok {
			l.Warnf("lb: no known address for client %v; dropping reply", h.ClientID)
			continue
		}
		if err := clientSock.WriteFrameTo(res.ToClient, addr); err != nil {
			l.Warnf("lb: reply to client %v failed: %v", h.ClientID, err)
		}
	}
}

// nodeSender implements migration.Sender by writing MGR_REQ frames to a
// node's topology address over the LB's server-facing socket.
type nodeSender struct {
	sock *transport.Socket
	top  *config.Topology
}

func (s *nodeSender) SendMgrReq(node uint8, keyhash uint32, key []byte, ver uint32) error {
	addr, err := s.top.NodeAddr(node)
	if err != nil {
		return err
	}
	frame := make([]byte, wire.HeaderSize+len(key))
	n := wire.Encode(frame, wire.Header{OpType: wire.MgrReq, KeyHash: keyhash, Ver: ver, Key: key})
	return s.sock.WriteFrameTo(frame[:n], addr)
}

// runServer wires C6 into the backend node entry point (spec §4.6, §4.8
// role=server).
func runServer(l log.Logger, top *config.Topology, cfg *config.Config) error {
	if top == nil {
		return fmt.Errorf("--config topology required for --role server")
	}
	if cfg.NodeID < 0 || cfg.NodeID >= len(top.Nodes) {
		return fmt.Errorf("--node-id %d out of range for topology with %d nodes", cfg.NodeID, len(top.Nodes))
	}
	pool := recycle.NewPool()
	addr := top.Nodes[cfg.NodeID].Addr
	sock, err := transport.Listen(l, pool, addr)
	if err != nil {
		return err
	}
	defer sock.Close()

	kernel := kvserver.New(l, uint8(cfg.NodeID), nil, epochDuration)
	l.Infof("server: node %d listening on %s", cfg.NodeID, sock.LocalAddr())

	for {
		f, err := sock.ReadFrame()
		if err != nil {
			l.Errorf("server: read error: %v", err)
			return err
		}
		// Copied out of the pooled buffer before Release: Write installs
		// the value slice directly into kvstore.Store without copying it
		// (kvstore.Store.Put), so the frame must outlive the pool recycling
		// it for a reused read.
		frame := append([]byte(nil), f.Data...)
		from := f.From
		f.Release()
		reply, handled := handleServerFrame(kernel, frame)
		if !handled {
			continue
		}
		if err := sock.WriteFrameTo(reply, from); err != nil {
			l.Warnf("server: reply send failed: %v", err)
		}
	}
}

// handleServerFrame applies one request frame to the kernel and returns the
// REPLY/MGR_ACK frame to send back (spec §4.6).
func handleServerFrame(k *kvserver.Kernel, frame []byte) (reply []byte, handled bool) {
	h, err := wire.Parse(frame)
	if err != nil {
		return nil, false
	}
	switch h.OpType {
	case wire.Read:
		value, ver := k.Read(h.Key)
		k.RecordAccess(h.KeyHash, h.Key, ver != 0)
		buf := make([]byte, wire.HeaderSize+len(value))
		n := wire.Encode(buf, wire.Header{OpType: wire.Reply, ClientID: h.ClientID, ServerID: k.NodeID, KeyHash: h.KeyHash, Ver: ver, Load: k.Load()})
		n += copy(buf[n:], value)
		return buf[:n], true
	case wire.Write:
		installed := k.Write(h.Key, frame[wire.HeaderSize+len(h.Key):], h.Ver)
		k.RecordAccess(h.KeyHash, h.Key, true)
		buf := make([]byte, wire.HeaderSize)
		n := wire.Encode(buf, wire.Header{OpType: wire.Reply, ClientID: h.ClientID, ServerID: k.NodeID, KeyHash: h.KeyHash, Ver: installed, Load: k.Load()})
		return buf[:n], true
	case wire.Del:
		installed := k.Del(h.Key, h.Ver)
		k.RecordAccess(h.KeyHash, h.Key, true)
		buf := make([]byte, wire.HeaderSize)
		n := wire.Encode(buf, wire.Header{OpType: wire.Reply, ClientID: h.ClientID, ServerID: k.NodeID, KeyHash: h.KeyHash, Ver: installed, Load: k.Load()})
		return buf[:n], true
	case wire.MgrReq:
		installed := k.ProcessMigrationRequest(h.Key, h.Ver)
		buf := make([]byte, wire.HeaderSize+len(h.Key))
		n := wire.Encode(buf, wire.Header{OpType: wire.MgrAck, ServerID: k.NodeID, KeyHash: h.KeyHash, Ver: installed, Key: h.Key})
		return buf[:n], true
	default:
		return nil, false
	}
}

// runClient wires C10/C11 into the synthetic load-generator entry point
// (spec §6, §4.10, §4.11, role=client).
func runClient(l log.Logger, top *config.Topology, cfg *config.Config) error {
	if top == nil {
		return fmt.Errorf("--config topology required for --role client")
	}
	keys, err := loadKeys(cfg.KeysPath)
	if err != nil {
		return err
	}
	pool := recycle.NewPool()
	stats := client.NewStats()

	gen := workload.New(workload.Config{
		Keys:         keys,
		ValueLen:     cfg.ValueLen,
		GetRatio:     cfg.GetRatio,
		PutRatio:     cfg.PutRatio,
		KeyDist:      cfg.KeyDist,
		Alpha:        cfg.Alpha,
		Dynamism:     cfg.Dynamism,
		DInterval:    time.Duration(cfg.DInterval) * time.Microsecond,
		DNKeys:       cfg.DNKeys,
		MeanInterval: time.Duration(cfg.MeanInterval) * time.Microsecond,
	}, newSeededRand())
	gen.RunDynamism()
	defer gen.Stop()

	c, err := client.New(l, pool, top.LBAddr, uint8(cfg.NodeID), time.Second, gen, stats)
	if err != nil {
		return err
	}
	defer c.Close()

	c.Run(time.Duration(cfg.Duration) * time.Second)
	l.Infof("client: reads=%d writes=%d dels=%d replies=%d misses=%d timeouts=%d",
		stats.ReadTimer.Count(), stats.WriteTimer.Count(), stats.DelTimer.Count(),
		stats.Replies.Count(), stats.Misses.Count(), stats.Timeouts.Count())
	return nil
}

// runController wires C13 into the reset-controller entry point (spec
// §4.6, §8 scenario S6, role=controller).
func runController(l log.Logger, top *config.Topology) error {
	if top == nil {
		return fmt.Errorf("--config topology required for --role controller")
	}
	pool := recycle.NewPool()
	c, err := controller.Dial(l, pool, top.LBAddr, 5*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Reset()
}

// newSeededRand gives each client process its own rand.Rand seeded from the
// wall clock, matching the teacher's integration_test/load_test.go pattern
// of per-client rand.Source rather than sharing math/rand's global source.
func newSeededRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

func loadKeys(path string) ([][]byte, error) {
	if path == "" {
		keys := make([][]byte, 1000)
		for i := range keys {
			keys[i] = []byte(fmt.Sprintf("key-%d", i))
		}
		return keys, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var keys [][]byte
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		keys = append(keys, []byte(line))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}
