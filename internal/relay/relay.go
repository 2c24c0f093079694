package relay

import (
	"encoding/json"

	"proctorhub/internal/registry"
	"proctorhub/pkg/types"
)

// Relay forwards connection-negotiation messages between exactly two named
// endpoints. The payload is opaque negotiation data belonging to the
// peers' media layer; the relay never parses it and never tracks
// negotiation state. FIFO per directed pair falls out of each target
// connection's single-writer channel.
type Relay struct {
	registry *registry.Registry
}

// NewRelay creates a relay backed by the connection registry.
func NewRelay(reg *registry.Registry) *Relay {
	return &Relay{registry: reg}
}

// Forward delivers one negotiation message. kind must be one of the three
// signal kinds; the target must currently exist in the registry, otherwise
// ErrUnknownPeer; the caller drops and lets the remote side re-request.
// A disconnect between lookup and write also surfaces as a failed write,
// never a buffered message.
func (r *Relay) Forward(fromConnID, toConnID, kind string, payload json.RawMessage) error {
	if !types.IsSignalKind(kind) {
		return types.ErrInvalidMessageType
	}

	target, exists := r.registry.Lookup(toConnID)
	if !exists {
		return types.ErrUnknownPeer
	}

	envelope, err := types.NewEnvelope(kind, &types.SignalRelayPayload{
		FromConnectionID: fromConnID,
		Data:             payload,
	})
	if err != nil {
		return err
	}

	if err := target.WriteJSON(envelope); err != nil {
		return types.ErrUnknownPeer
	}
	return nil
}
