package ws

import (
	"encoding/json"
	"time"
)

// Handshake rejection reason codes.
const (
	ReasonInvalidToken  = "invalid_token"
	ReasonInactiveUser  = "inactive_user"
	ReasonNoBrandAccess = "no_brand_access"
)

// inbound is the client message shape. One struct covers every op; the
// dispatch table decides which fields matter.
type inbound struct {
	Op         string `json:"op"`
	EntityType string `json:"entityType,omitempty"`
	EntityID   string `json:"entityId,omitempty"`
	Mode       string `json:"mode,omitempty"`
	Ts         int64  `json:"ts,omitempty"`
}

// outbound control messages. Event pushes are serialized by the router.
type connectedMessage struct {
	Op           string `json:"op"`
	ConnectionID string `json:"connectionId"`
}

type ackMessage struct {
	Op         string `json:"op"` // "subscribed" or "unsubscribed"
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
}

type errorMessage struct {
	Op     string `json:"op"`
	Reason string `json:"reason"`
}

type pingMessage struct {
	Op string `json:"op"`
	Ts int64  `json:"ts"`
}

func marshalConnected(connectionID string) []byte {
	data, _ := json.Marshal(connectedMessage{Op: "connected", ConnectionID: connectionID})
	return data
}

func marshalAck(op, entityType, entityID string) []byte {
	data, _ := json.Marshal(ackMessage{Op: op, EntityType: entityType, EntityID: entityID})
	return data
}

func marshalError(reason string) []byte {
	data, _ := json.Marshal(errorMessage{Op: "error", Reason: reason})
	return data
}

func marshalPing(now time.Time) []byte {
	data, _ := json.Marshal(pingMessage{Op: "ping", Ts: now.UnixMilli()})
	return data
}
