// Package mesh holds the peer-facing vocabulary shared by discovery,
// orchestration and payments: peer identities, advertised capabilities, the
// wire envelope and the messaging collaborator interfaces.
package mesh

import (
	"context"
	"time"
)

// PeerID is an opaque peer identifier assigned by the transport.
type PeerID string

func (p PeerID) String() string { return string(p) }

// Capability is a typed, named, versioned service a peer advertises,
// e.g. agent:assistant:1.0.0. Metadata carries pricing, stake flags and
// anything else the peer wants matched on.
type Capability struct {
	Type     string         `json:"type" yaml:"type"`
	Name     string         `json:"name" yaml:"name"`
	Version  string         `json:"version,omitempty" yaml:"version,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// Key returns the "type:name" identity used for exact matching.
func (c Capability) Key() string { return c.Type + ":" + c.Name }

// PeerInfo is owned by the discovery collaborator and read-only to the core.
type PeerInfo struct {
	ID           PeerID       `json:"id"`
	Capabilities []Capability `json:"capabilities"`
	LastSeen     time.Time    `json:"last_seen"`
}

// Capability returns the declared capability with the given type and name.
func (p PeerInfo) Capability(capType, name string) (Capability, bool) {
	for _, c := range p.Capabilities {
		if c.Type == capType && c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Handler receives messages delivered on a subscribed topic. Handlers must
// check msg.Type before interpreting the payload.
type Handler func(ctx context.Context, msg Message)

// Messenger is the send/subscribe/publish surface of the transport.
type Messenger interface {
	ID() PeerID
	SendMessage(ctx context.Context, to PeerID, msg Message) error
	Subscribe(ctx context.Context, topic string, h Handler) (unsubscribe func(), err error)
	Publish(ctx context.Context, topic string, msg Message) error
}

// Discovery supplies the currently known peers.
type Discovery interface {
	Peers(ctx context.Context) ([]PeerInfo, error)
}

// InboxTopic is the topic a peer listens on for direct messages.
func InboxTopic(id PeerID) string { return "peer/" + string(id) }

// CapabilityTopic is where peers announce their PeerInfo.
const CapabilityTopic = "swarm/capabilities"
