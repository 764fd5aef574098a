// Package orch holds the room orchestrator: the facade coordinating room and
// participant lifecycle, the publish/subscribe graph, node allocation and
// event fan-out. It is the sole mutator of room state.
package orch

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/fleet"
	"github.com/akarev/roomd/internal/media"
	"github.com/akarev/roomd/internal/metrics"
	"github.com/akarev/roomd/internal/room"
)

type Orchestrator struct {
	fleet   *fleet.Fleet
	handler RoomHandler
	metrics *metrics.Metrics

	mu      sync.RWMutex
	rooms   map[domain.RoomName]*room.Room
	members map[domain.ParticipantID]*room.Room
	closed  bool
}

func New(f *fleet.Fleet, handler RoomHandler, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		fleet:   f,
		handler: handler,
		metrics: m,
		rooms:   make(map[domain.RoomName]*room.Room),
		members: make(map[domain.ParticipantID]*room.Room),
	}
}

func (o *Orchestrator) roomByName(name domain.RoomName) (*room.Room, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.rooms[name]
	if !ok {
		return nil, domain.NewRoomError(domain.CodeRoomNotFound, "room %s not found", name)
	}
	return r, nil
}

func (o *Orchestrator) roomOf(id domain.ParticipantID) (*room.Room, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	r, ok := o.members[id]
	if !ok {
		return nil, domain.NewRoomError(domain.CodeParticipantNotFound, "participant %s not found", id)
	}
	return r, nil
}

// --- queries (pure reads over current state) ---

func (o *Orchestrator) GetRooms() []domain.RoomName {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]domain.RoomName, 0, len(o.rooms))
	for name := range o.rooms {
		out = append(out, name)
	}
	return out
}

func (o *Orchestrator) GetParticipants(name domain.RoomName) ([]domain.UserParticipant, error) {
	r, err := o.roomByName(name)
	if err != nil {
		return nil, err
	}
	return r.Participants(), nil
}

func (o *Orchestrator) GetPublishers(name domain.RoomName) ([]domain.UserParticipant, error) {
	r, err := o.roomByName(name)
	if err != nil {
		return nil, err
	}
	return r.Publishers(), nil
}

func (o *Orchestrator) GetSubscribers(name domain.RoomName) ([]domain.UserParticipant, error) {
	r, err := o.roomByName(name)
	if err != nil {
		return nil, err
	}
	return r.Subscribers(), nil
}

func (o *Orchestrator) GetPeerPublishers(id domain.ParticipantID) ([]domain.UserParticipant, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return nil, err
	}
	return r.PeerPublishers(id)
}

func (o *Orchestrator) GetPeerSubscribers(id domain.ParticipantID) ([]domain.UserParticipant, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return nil, err
	}
	return r.PeerSubscribers(id)
}

func (o *Orchestrator) IsPublisherStreaming(id domain.ParticipantID, stream domain.StreamID) (bool, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return false, err
	}
	return r.IsStreaming(id, stream)
}

func (o *Orchestrator) GetRoomName(id domain.ParticipantID) (domain.RoomName, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return "", err
	}
	return r.Name(), nil
}

func (o *Orchestrator) GetParticipantName(id domain.ParticipantID) (string, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return "", err
	}
	return r.ParticipantName(id)
}

func (o *Orchestrator) GetParticipantInfo(id domain.ParticipantID) (domain.UserParticipant, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return domain.UserParticipant{}, err
	}
	return r.ParticipantInfo(id)
}

func (o *Orchestrator) GetPipeline(id domain.ParticipantID) (media.Pipeline, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return nil, err
	}
	return r.Pipeline(), nil
}

// SendMessage broadcasts a chat payload to every participant of the sender's
// room, the sender included. The body is not interpreted.
func (o *Orchestrator) SendMessage(id domain.ParticipantID, roomName domain.RoomName, message string) error {
	r, err := o.roomOf(id)
	if err != nil {
		return err
	}
	if roomName != "" && roomName != r.Name() {
		return domain.NewRoomError(domain.CodeRoomNotFound, "participant %s is not in room %s", id, roomName)
	}
	userName, err := r.ParticipantName(id)
	if err != nil {
		return err
	}
	o.handler.Message(r.ParticipantIDs(), r.Name(), userName, message)
	return nil
}

// Close shuts down every room exactly once. Safe to call more than once;
// the second call is a no-op.
func (o *Orchestrator) Close(ctx context.Context) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	names := make([]domain.RoomName, 0, len(o.rooms))
	for name := range o.rooms {
		names = append(names, name)
	}
	o.mu.Unlock()

	for _, name := range names {
		if err := o.CloseRoom(ctx, name); err != nil {
			log.Error().Err(err).Str("module", "orch").Str("room", string(name)).Msg("close room during shutdown")
		}
	}
	log.Info().Str("module", "orch").Int("rooms", len(names)).Msg("orchestrator closed")
}

func (o *Orchestrator) IsClosed() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.closed
}
