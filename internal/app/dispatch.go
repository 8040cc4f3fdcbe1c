package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/room-2135/omniroom2-camera/internal/protocol"
	"github.com/room-2135/omniroom2-camera/internal/util"
)

// Run consumes stream one envelope at a time until it ends. Malformed
// events are logged and skipped. A terminal stream error is returned, unless
// ctx was cancelled, in which case Run returns nil.
func (c *Camera) Run(ctx context.Context, stream EventStream) error {
	stop := context.AfterFunc(ctx, func() { stream.Close() })
	defer stop()

	for {
		env, err := stream.Next()
		if err != nil {
			if errors.Is(err, protocol.ErrMalformed) {
				util.LogWarning("skipping event: %v", err)
				util.Stats.AddSkipped()
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}

		c.Dispatch(env)
	}
}

// Dispatch routes one inbound envelope.
func (c *Camera) Dispatch(env protocol.Envelope) {
	if env.Payload == nil {
		util.Stats.AddSkipped()
		return
	}

	switch env.Payload.(type) {
	case protocol.Welcome, protocol.NewCamera, protocol.CameraPing:
	default:
		if env.Broadcast() {
			util.LogWarning("%s without a sender, ignoring", env.Payload.Variant())
			util.Stats.AddSkipped()
			return
		}
	}

	switch p := env.Payload.(type) {
	case protocol.Welcome:
		util.LogSuccess("connected to signaling server, announcing camera")
		c.out.Submit(protocol.Envelope{Payload: protocol.NewCamera{}})

	case protocol.CameraDiscovery:
		util.LogDebug("[%s] discovery, answering with ping", env.Peer)
		c.out.Submit(protocol.Envelope{Peer: env.Peer, Payload: protocol.CameraPing{}})

	case protocol.CallInit:
		c.handleCallInit(env.Peer)

	case protocol.SDP:
		c.handleRemoteSDP(env.Peer, p)

	case protocol.ICE:
		c.handleRemoteICE(env.Peer, p)

	case protocol.NewCamera, protocol.CameraPing:
		util.LogWarning("unexpected %s from %q, ignoring", p.Variant(), env.Peer)
		util.Stats.AddSkipped()
		return

	default:
		util.LogWarning("unhandled %s from %q", p.Variant(), env.Peer)
		util.Stats.AddSkipped()
		return
	}

	util.Stats.AddHandled()
}
