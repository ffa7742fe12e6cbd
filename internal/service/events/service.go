package events

import (
	"encoding/json"
	"time"

	"log/slog"

	"github.com/hostedeth/deployer/internal/domain"
	"github.com/hostedeth/deployer/internal/ws"
)

// Service broadcasts deployment progress snapshots to stream subscribers.
type Service struct {
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs an event service.
func New(hub *ws.Hub, logger *slog.Logger) Service {
	return Service{hub: hub, logger: logger}
}

// Publish sends the current shape of a deployment to its subscribers.
func (s Service) Publish(d *domain.Deployment) {
	if s.hub == nil || d == nil {
		return
	}
	payload, err := MarshalSnapshot(d)
	if err != nil {
		s.logger.Warn("failed to marshal deployment event", "deployment", d.Name, "error", err)
		return
	}
	s.hub.Broadcast(d.Name, payload)
}

// Hub returns the stream hub (useful for HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

// MarshalSnapshot formats a deployment for streaming payloads.
func MarshalSnapshot(d *domain.Deployment) ([]byte, error) {
	payload := map[string]any{
		"name":        d.Name,
		"state":       d.State,
		"transitions": d.Transitions,
		"updated_at":  d.UpdatedAt.Format(time.RFC3339Nano),
	}
	if d.LastError != nil {
		payload["last_error"] = d.LastError
	}
	if cid := d.ContentID(); cid != "" {
		payload["content_id"] = cid
	}
	return json.Marshal(payload)
}
