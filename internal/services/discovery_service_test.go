package services

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nodesync/server/internal/models"
)

func presenceDatagram(t *testing.T, msg models.PresenceMessage) []byte {
	t.Helper()

	data, err := json.Marshal(msg)
	require.NoError(t, err)
	return data
}

func TestHandleDatagram(t *testing.T) {
	newService := func() (*DiscoveryService, *PeerDirectory) {
		dir := NewPeerDirectory(time.Minute)
		svc := NewDiscoveryService("node-a", "239.83.17.44", 9100, 5*time.Second, []string{"sync"}, dir)
		return svc, dir
	}

	t.Run("registers a peer from a presence message", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:          models.PresenceType,
			NodeID:        "node-b",
			SenderAddress: "192.168.1.50",
			Hostname:      "till-2",
			MessageNumber: 1,
			Timestamp:     time.Now().UTC().Format(time.RFC3339),
			Capabilities:  []string{"sync"},
		}))

		peer := dir.GetByNodeID("node-b")
		require.NotNil(t, peer)
		assert.Equal(t, "192.168.1.50", peer.Address)
		assert.Equal(t, "till-2", peer.Hostname)
		assert.False(t, peer.LastSeenAt.IsZero())
	})

	t.Run("ignores its own announcements", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:          models.PresenceType,
			NodeID:        "node-a",
			SenderAddress: "192.168.1.10",
		}))

		assert.Equal(t, 0, dir.Count())
	})

	t.Run("ignores malformed datagrams", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram([]byte("{truncated"))
		svc.handleDatagram([]byte(""))

		assert.Equal(t, 0, dir.Count())
	})

	t.Run("ignores foreign message types", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:          "GOODBYE",
			NodeID:        "node-b",
			SenderAddress: "192.168.1.50",
		}))

		assert.Equal(t, 0, dir.Count())
	})

	t.Run("ignores messages missing identity fields", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:          models.PresenceType,
			SenderAddress: "192.168.1.50",
		}))
		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:   models.PresenceType,
			NodeID: "node-b",
		}))

		assert.Equal(t, 0, dir.Count())
	})

	t.Run("strips a port from a sender that announces one", func(t *testing.T) {
		svc, dir := newService()

		svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
			Type:          models.PresenceType,
			NodeID:        "node-b",
			SenderAddress: "192.168.1.50:9100",
		}))

		peer := dir.GetByNodeID("node-b")
		require.NotNil(t, peer)
		assert.Equal(t, "192.168.1.50", peer.Address)
	})

	t.Run("repeated announcements keep one directory entry", func(t *testing.T) {
		svc, dir := newService()

		for i := uint64(1); i <= 3; i++ {
			svc.handleDatagram(presenceDatagram(t, models.PresenceMessage{
				Type:          models.PresenceType,
				NodeID:        "node-b",
				SenderAddress: "192.168.1.50",
				MessageNumber: i,
			}))
		}

		assert.Equal(t, 1, dir.Count())
	})
}

func TestPresenceMessage(t *testing.T) {
	newSender := func(ip string) *DiscoveryService {
		svc := NewDiscoveryService("node-b", "239.83.17.44", 9102, 5*time.Second, []string{"sync"}, NewPeerDirectory(time.Minute))
		svc.announceIP = net.ParseIP(ip)
		svc.ifaceName = "eth0"
		return svc
	}

	t.Run("announces a bare ip without a port", func(t *testing.T) {
		msg := newSender("192.168.1.50").presenceMessage()

		assert.Equal(t, "192.168.1.50", msg.SenderAddress)
		_, _, err := net.SplitHostPort(msg.SenderAddress)
		assert.Error(t, err)
	})

	t.Run("numbers announcements sequentially", func(t *testing.T) {
		sender := newSender("192.168.1.50")

		first := sender.presenceMessage()
		second := sender.presenceMessage()
		assert.Equal(t, first.MessageNumber+1, second.MessageNumber)
	})

	t.Run("round-trips into a dialable directory entry", func(t *testing.T) {
		sender := newSender("192.168.1.50")

		receiverDir := NewPeerDirectory(time.Minute)
		receiver := NewDiscoveryService("node-a", "239.83.17.44", 9102, 5*time.Second, []string{"sync"}, receiverDir)
		receiver.handleDatagram(presenceDatagram(t, sender.presenceMessage()))

		peer := receiverDir.GetByNodeID("node-b")
		require.NotNil(t, peer)
		assert.Equal(t, "192.168.1.50", peer.Address)
	})
}
