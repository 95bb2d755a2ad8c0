package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/nats-io/nats.go"
)

// LocalDeliverer is the receiving end of the relay: the router that owns
// this process's connections.
type LocalDeliverer interface {
	DeliverLocal(connIDs []string, frame []byte) int
	BroadcastLocal(frame []byte, exceptUser string) int
}

// deliverEnvelope carries one frame to named connections on one server.
type deliverEnvelope struct {
	Origin  string          `json:"origin"`
	ConnIDs []string        `json:"connIds"`
	Frame   json.RawMessage `json:"frame"`
}

// broadcastEnvelope carries one frame to every connection on every server.
type broadcastEnvelope struct {
	Origin     string          `json:"origin"`
	ExceptUser string          `json:"exceptUser,omitempty"`
	Frame      json.RawMessage `json:"frame"`
}

// Relay forwards router frames between chat servers over NATS.
//
//	router.deliver.<server>  frames for connections owned by <server>
//	router.broadcast         frames for every server except the origin
type Relay struct {
	client *NATSClient
	server string
}

// NewRelay creates a relay for the server whose connection ids are
// prefixed with server.
func NewRelay(client *NATSClient, server string) *Relay {
	return &Relay{client: client, server: server}
}

// Start subscribes to this server's deliver subject and the broadcast
// subject and hands incoming frames to local.
func (r *Relay) Start(local LocalDeliverer) error {
	err := r.client.Subscribe(deliverSubject(r.server), func(msg *nats.Msg) {
		r.handleDeliver(local, msg.Data)
	})
	if err != nil {
		return err
	}
	err = r.client.Subscribe(SubjectBroadcast, func(msg *nats.Msg) {
		r.handleBroadcast(local, msg.Data)
	})
	if err != nil {
		return err
	}
	log.Printf("[relay] server=%s listening on %s and %s", r.server, deliverSubject(r.server), SubjectBroadcast)
	return nil
}

// Stop removes both subscriptions. Publishing keeps working so offline
// broadcasts from shutdown still reach other servers.
func (r *Relay) Stop() error {
	if err := r.client.unsubscribe(deliverSubject(r.server)); err != nil {
		return err
	}
	return r.client.unsubscribe(SubjectBroadcast)
}

// PublishDeliver sends frame to connIDs owned by server.
func (r *Relay) PublishDeliver(_ context.Context, server string, connIDs []string, frame []byte) error {
	data, err := json.Marshal(deliverEnvelope{Origin: r.server, ConnIDs: connIDs, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: marshal deliver: %w", err)
	}
	if err := r.client.Publish(deliverSubject(server), data); err != nil {
		return fmt.Errorf("relay: publish deliver to %s: %w", server, err)
	}
	return nil
}

// PublishBroadcast sends frame to every other server.
func (r *Relay) PublishBroadcast(_ context.Context, frame []byte, exceptUser string) error {
	data, err := json.Marshal(broadcastEnvelope{Origin: r.server, ExceptUser: exceptUser, Frame: frame})
	if err != nil {
		return fmt.Errorf("relay: marshal broadcast: %w", err)
	}
	if err := r.client.Publish(SubjectBroadcast, data); err != nil {
		return fmt.Errorf("relay: publish broadcast: %w", err)
	}
	return nil
}

func (r *Relay) handleDeliver(local LocalDeliverer, data []byte) {
	var env deliverEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[relay] bad deliver envelope: %v", err)
		return
	}
	local.DeliverLocal(env.ConnIDs, env.Frame)
}

func (r *Relay) handleBroadcast(local LocalDeliverer, data []byte) {
	var env broadcastEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Printf("[relay] bad broadcast envelope: %v", err)
		return
	}
	// The origin already delivered to its own connections.
	if env.Origin == r.server {
		return
	}
	local.BroadcastLocal(env.Frame, env.ExceptUser)
}

// deliverSubject maps a server name onto a single NATS subject token.
func deliverSubject(server string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		}
		return r
	}, server)
	return SubjectDeliver + "." + token
}
