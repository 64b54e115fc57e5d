package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kolapsis/beacon/internal/dispatch"
	"github.com/kolapsis/beacon/internal/hub"
	"github.com/kolapsis/beacon/internal/store"
)

// Service turns one domain event into live pushes and durable notification
// records. Persistence always happens before the in-app delivery attempt, so
// a crash in between loses only the live push, never the record.
type Service struct {
	store      store.Store
	router     *hub.Router
	dispatcher *dispatch.Dispatcher
}

// NewService creates the pipeline over its collaborators.
func NewService(st store.Store, router *hub.Router, dispatcher *dispatch.Dispatcher) *Service {
	return &Service{store: st, router: router, dispatcher: dispatcher}
}

// HandleEvent validates and processes one domain event. An invalid recipient
// drops the event for that recipient only; every other recipient still gets
// their copy.
func (s *Service) HandleEvent(ctx context.Context, ev DomainEvent) error {
	if ev.BrandID == "" || ev.EntityType == "" || ev.EntityID == "" || ev.Kind == "" {
		return fmt.Errorf("domain event missing brandId, entityType, entityId or kind")
	}

	// Live push to subscribers of the entity or the brand, plus any open
	// session of an explicit recipient.
	delivered, err := s.router.Route(hub.Event{
		BrandID:    ev.BrandID,
		EntityType: ev.EntityType,
		EntityID:   ev.EntityID,
		Kind:       ev.Kind,
		Payload:    ev.Payload,
		Recipients: ev.ExplicitRecipients,
	})
	if err != nil {
		return fmt.Errorf("routing event: %w", err)
	}

	slog.Debug("routed domain event",
		"brand_id", ev.BrandID,
		"entity", ev.EntityType+":"+ev.EntityID,
		"kind", ev.Kind,
		"connections", delivered)

	if ev.Notification == nil {
		return nil
	}

	for _, recipient := range ev.ExplicitRecipients {
		n := store.Notification{
			BrandID:     ev.BrandID,
			RecipientID: recipient,
			Type:        ev.Notification.Type,
			Title:       ev.Notification.Title,
			Message:     ev.Notification.Message,
			Priority:    ev.Notification.Priority,
			Methods:     ev.Notification.Methods,
			Entity:      store.EntityRef{Type: ev.EntityType, ID: ev.EntityID},
		}

		if err := s.store.CreateNotification(&n); err != nil {
			if errors.Is(err, store.ErrInvalidRecipient) {
				slog.Warn("dropping notification for non-member recipient",
					"brand_id", ev.BrandID,
					"recipient_id", recipient,
					"kind", ev.Kind)
				continue
			}
			return fmt.Errorf("persisting notification for %q: %w", recipient, err)
		}

		s.dispatcher.Dispatch(n)
	}

	return nil
}
