package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/nodesync/server/internal/models"
	"github.com/nodesync/server/internal/observability"
)

const maxPresenceDatagram = 2048

// DiscoveryService makes nodes mutually discoverable without central
// configuration. It periodically multicasts a presence announcement and
// listens on the same group, upserting senders into the peer directory.
// Send and receive failures are logged and retried on the next tick; they
// are never fatal to the host process.
type DiscoveryService struct {
	nodeID       string
	group        string
	port         int
	interval     time.Duration
	capabilities []string
	directory    *PeerDirectory

	messageNumber uint64
	ifaceName     string
	announceIP    net.IP
}

// NewDiscoveryService creates a discovery beacon for the given multicast group
func NewDiscoveryService(nodeID, group string, port int, interval time.Duration, capabilities []string, directory *PeerDirectory) *DiscoveryService {
	return &DiscoveryService{
		nodeID:       nodeID,
		group:        group,
		port:         port,
		interval:     interval,
		capabilities: capabilities,
		directory:    directory,
	}
}

// Start launches the announce and listen loops. It returns after interface
// selection; the loops run until the context is cancelled.
func (s *DiscoveryService) Start(ctx context.Context) error {
	ifaceName, ip, err := SelectAnnounceInterface()
	if err != nil {
		return fmt.Errorf("discovery interface selection: %w", err)
	}
	s.ifaceName = ifaceName
	s.announceIP = ip

	observability.Infof("Discovery beacon announcing %s via %s on %s:%d", ip, ifaceName, s.group, s.port)

	go s.announceLoop(ctx)
	go s.listenLoop(ctx)
	return nil
}

// AnnounceAddress returns the IP the beacon announces. Presence messages
// carry no port; peers derive the transfer port from the shared base-port
// convention.
func (s *DiscoveryService) AnnounceAddress() string {
	return s.announceIP.String()
}

func (s *DiscoveryService) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(s.group), Port: s.port}
}

func (s *DiscoveryService) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// First announcement goes out immediately so a freshly started node is
	// visible before the first tick
	s.announce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.announce()
		}
	}
}

func (s *DiscoveryService) announce() {
	conn, err := net.DialUDP("udp4", nil, s.groupAddr())
	if err != nil {
		observability.Warnf("Discovery send failed (will retry next tick): %v", err)
		return
	}
	defer conn.Close()

	data, err := json.Marshal(s.presenceMessage())
	if err != nil {
		observability.Errorf("Discovery marshal failed: %v", err)
		return
	}

	if _, err := conn.Write(data); err != nil {
		observability.Warnf("Discovery send failed (will retry next tick): %v", err)
	}
}

// presenceMessage builds one announcement payload
func (s *DiscoveryService) presenceMessage() models.PresenceMessage {
	hostname, _ := os.Hostname()
	return models.PresenceMessage{
		Type:          models.PresenceType,
		NodeID:        s.nodeID,
		SenderAddress: s.AnnounceAddress(),
		InterfaceName: s.ifaceName,
		MessageNumber: atomic.AddUint64(&s.messageNumber, 1),
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Hostname:      hostname,
		Capabilities:  s.capabilities,
	}
}

func (s *DiscoveryService) listenLoop(ctx context.Context) {
	conn, err := net.ListenMulticastUDP("udp4", nil, s.groupAddr())
	if err != nil {
		observability.Errorf("Discovery listen failed, peer directory will not populate: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadBuffer(maxPresenceDatagram * 16)

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxPresenceDatagram)
	for {
		n, _, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			observability.Warnf("Discovery receive failed: %v", err)
			continue
		}
		s.handleDatagram(buf[:n])
	}
}

// handleDatagram consumes one presence message. Duplicate message numbers
// are harmless; the upsert is idempotent by address.
func (s *DiscoveryService) handleDatagram(data []byte) {
	var msg models.PresenceMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		observability.Debugf("Discovery ignoring malformed datagram: %v", err)
		return
	}
	if msg.Type != models.PresenceType || msg.NodeID == "" || msg.SenderAddress == "" {
		return
	}
	// Our own announcements loop back on most stacks
	if msg.NodeID == s.nodeID {
		return
	}

	// The transfer port always comes from the shared base-port convention,
	// so only the host half of a host:port sender is kept
	address := msg.SenderAddress
	if host, _, err := net.SplitHostPort(address); err == nil {
		address = host
	}

	s.directory.Upsert(&models.PeerNode{
		NodeID:       msg.NodeID,
		Address:      address,
		Hostname:     msg.Hostname,
		LastSeenAt:   time.Now().UTC(),
		Capabilities: msg.Capabilities,
	})
}
