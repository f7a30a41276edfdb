package transport

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/mfrederico/voidlux/pkg/log"
)

const (
	beaconInterval = 30 * time.Second
	beaconMagic    = "voidlux1"
)

// beaconFrame is the LAN discovery datagram
type beaconFrame struct {
	Magic   string `json:"magic"`
	NodeID  string `json:"node_id"`
	P2PPort int    `json:"p2p_port"`
}

// Beacon announces this node on the local network over UDP broadcast
// and feeds heard announcements into the transport's candidate set.
type Beacon struct {
	transport *Transport
	port      int // UDP port, conventionally p2p port + 1

	conn     *net.UDPConn
	stopCh   chan struct{}
	stopped  bool
}

// NewBeacon creates a LAN beacon bound to udpPort
func NewBeacon(t *Transport, udpPort int) *Beacon {
	return &Beacon{transport: t, port: udpPort, stopCh: make(chan struct{})}
}

// Start begins broadcasting and listening
func (b *Beacon) Start() error {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: b.port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("failed to open beacon socket: %w", err)
	}
	b.conn = conn

	go b.listenLoop()
	go b.announceLoop()
	return nil
}

// Stop shuts the beacon down
func (b *Beacon) Stop() {
	if b.stopped {
		return
	}
	b.stopped = true
	close(b.stopCh)
	if b.conn != nil {
		b.conn.Close()
	}
}

func (b *Beacon) announceLoop() {
	ticker := time.NewTicker(beaconInterval)
	defer ticker.Stop()

	b.announce()
	for {
		select {
		case <-ticker.C:
			b.announce()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Beacon) announce() {
	frame := beaconFrame{
		Magic:   beaconMagic,
		NodeID:  b.transport.NodeID(),
		P2PPort: b.transport.cfg.P2PPort,
	}
	data, err := json.Marshal(&frame)
	if err != nil {
		return
	}
	dst := &net.UDPAddr{IP: net.IPv4bcast, Port: b.port}
	if _, err := b.conn.WriteToUDP(data, dst); err != nil {
		log.WithComponent("beacon").Debug().Err(err).Msg("broadcast failed")
	}
}

func (b *Beacon) listenLoop() {
	buf := make([]byte, 512)
	for {
		n, src, err := b.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-b.stopCh:
				return
			default:
				continue
			}
		}
		var frame beaconFrame
		if err := json.Unmarshal(buf[:n], &frame); err != nil {
			continue
		}
		if frame.Magic != beaconMagic || frame.NodeID == b.transport.NodeID() {
			continue
		}
		b.transport.AddCandidate(fmt.Sprintf("%s:%d", src.IP.String(), frame.P2PPort))
	}
}
