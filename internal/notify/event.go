// Package notify is the intake pipeline: it receives domain events from the
// task/comment/activity CRUD layer, pushes them to subscribed live
// connections, and persists one notification record per explicit recipient
// before handing delivery to the dispatcher.
package notify

import "encoding/json"

// DomainEvent is the typed intake shape pushed by the CRUD layer, over HTTP
// or AMQP.
type DomainEvent struct {
	BrandID    string          `json:"brandId"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload,omitempty"`

	// ExplicitRecipients are users owed a durable notification (and a
	// direct push to their open sessions) regardless of subscriptions.
	ExplicitRecipients []string `json:"explicitRecipients,omitempty"`

	// Notification, when present, is the per-recipient record template.
	// Events without it are push-only: routed to subscribers, nothing
	// persisted.
	Notification *Template `json:"notification,omitempty"`
}

// Template describes the notification record created for each explicit
// recipient.
type Template struct {
	Type     string   `json:"type"`
	Title    string   `json:"title"`
	Message  string   `json:"message"`
	Priority string   `json:"priority,omitempty"`
	Methods  []string `json:"methods,omitempty"`
}
