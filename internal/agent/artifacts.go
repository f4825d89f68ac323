package agent

import (
	"context"

	"github.com/haasonsaas/coachd/internal/sessions"
	"github.com/haasonsaas/coachd/pkg/models"
)

// EventArtifactResolver finds artifacts by replaying a session's artifact
// events. Artifacts are immutable, so the first match is authoritative.
type EventArtifactResolver struct {
	store sessions.Store
}

// NewEventArtifactResolver creates a resolver over store.
func NewEventArtifactResolver(store sessions.Store) *EventArtifactResolver {
	return &EventArtifactResolver{store: store}
}

// ResolveArtifact returns ErrArtifactNotFound when no artifact event with
// the id exists in the session.
func (r *EventArtifactResolver) ResolveArtifact(ctx context.Context, sessionID, artifactID string) (*models.Artifact, error) {
	events, err := r.store.Events(ctx, sessionID, sessions.EventFilter{
		Kinds: []models.EventKind{models.EventArtifact},
	})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		var payload models.ArtifactPayload
		if err := ev.Decode(&payload); err != nil {
			return nil, err
		}
		if payload.Artifact.ID == artifactID {
			artifact := payload.Artifact
			return &artifact, nil
		}
	}
	return nil, ErrArtifactNotFound
}
