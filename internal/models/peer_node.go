package models

import "time"

// PeerNode is a node discovered on the local network. Entries live only in
// the in-memory peer directory; the beacon repopulates them within one
// announce interval after a restart.
type PeerNode struct {
	NodeID       string    `json:"nodeId"`
	Address      string    `json:"address"`
	Hostname     string    `json:"hostname"`
	LastSeenAt   time.Time `json:"lastSeenAt"`
	Capabilities []string  `json:"capabilities"`
}

// IsStale reports whether the node has not announced itself within ttl
func (p *PeerNode) IsStale(ttl time.Duration, now time.Time) bool {
	return now.Sub(p.LastSeenAt) > ttl
}

// CanSync reports whether the peer advertises the given table
func (p *PeerNode) CanSync(table string) bool {
	for _, t := range p.Capabilities {
		if t == table {
			return true
		}
	}
	return false
}

// PresenceMessage is the discovery wire format sent over multicast UDP.
// Messages are best-effort and idempotently consumed; duplicate message
// numbers are harmless.
type PresenceMessage struct {
	Type          string   `json:"type"`
	NodeID        string   `json:"nodeId"`
	SenderAddress string   `json:"senderAddress"`
	InterfaceName string   `json:"interfaceName"`
	MessageNumber uint64   `json:"messageNumber"`
	Timestamp     string   `json:"timestamp"`
	Hostname      string   `json:"hostname"`
	Capabilities  []string `json:"capabilities,omitempty"`
}

// PresenceType is the only message type the beacon currently emits
const PresenceType = "presence"
