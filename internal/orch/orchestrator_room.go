package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/room"
)

// JoinRoom registers a participant in the named room, creating the room
// (and allocating it onto a node) when absent and canCreate is set. It
// returns the peers that were already present, and schedules a
// participant-joined notification to them.
func (o *Orchestrator) JoinRoom(ctx context.Context, userName string, roomName domain.RoomName, dataChannels, trickle, canCreate bool, id domain.ParticipantID) ([]domain.UserParticipant, error) {
	if o.IsClosed() {
		return nil, domain.NewRoomError(domain.CodeRoomClosing, "server is shutting down")
	}
	r, _, err := o.getOrCreateRoom(ctx, roomName, canCreate)
	if err != nil {
		return nil, err
	}
	existing, err := r.Join(id, userName, room.ParticipantOptions{DataChannels: dataChannels, Trickle: trickle})
	if err != nil {
		return nil, err
	}
	o.mu.Lock()
	o.members[id] = r
	o.mu.Unlock()
	if o.metrics != nil {
		o.metrics.Participants.Inc()
	}
	o.handler.ParticipantJoined(recipientIDs(existing), roomName, domain.UserParticipant{ID: id, UserName: userName})
	return existing, nil
}

// LeaveRoom removes the participant and tears down its whole endpoint
// graph. It is idempotent: a second leave for the same id is a no-op
// success, because an explicit leave and a connection close can race.
// An empty result means the room is now closed.
func (o *Orchestrator) LeaveRoom(ctx context.Context, id domain.ParticipantID) ([]domain.UserParticipant, error) {
	r, err := o.roomOf(id)
	if err != nil {
		return nil, nil
	}
	res, ok := r.Leave(id)
	o.mu.Lock()
	if o.members[id] == r {
		delete(o.members, id)
	}
	o.mu.Unlock()
	if !ok {
		return nil, nil
	}
	if o.metrics != nil {
		o.metrics.Participants.Dec()
	}
	o.releaseEndpoints(ctx, res.Pubs, res.Subs, res.DepSubs)
	o.handler.ParticipantLeft(recipientIDs(res.Remaining), r.Name(), res.Removed)
	if res.Empty && r.CloseIfEmpty() {
		o.forgetRoom(r)
		o.releaseAllocation(ctx, r)
	}
	return res.Remaining, nil
}

// CreateRoom allocates a room explicitly, without joining it.
func (o *Orchestrator) CreateRoom(ctx context.Context, roomName domain.RoomName) error {
	if o.IsClosed() {
		return domain.NewRoomError(domain.CodeRoomClosing, "server is shutting down")
	}
	_, created, err := o.getOrCreateRoom(ctx, roomName, true)
	if err != nil {
		return err
	}
	if !created {
		return domain.NewRoomError(domain.CodeGeneric, "room %s already exists", roomName)
	}
	return nil
}

// CloseRoom forcibly evicts every participant and releases the room's node
// allocation. The room-closed notification fans out while the sessions are
// still bound, before media resources go away.
func (o *Orchestrator) CloseRoom(ctx context.Context, roomName domain.RoomName) error {
	r, err := o.roomByName(roomName)
	if err != nil {
		return err
	}
	res, ok := r.CloseAll()
	if !ok {
		return domain.NewRoomError(domain.CodeRoomClosing, "room %s is already closing", roomName)
	}
	o.handler.RoomClosed(recipientIDs(res.Evicted), roomName)
	o.forgetRoom(r)
	if o.metrics != nil {
		o.metrics.Participants.Sub(float64(len(res.Evicted)))
	}
	o.releaseEndpoints(ctx, res.Pubs, res.Subs, nil)
	o.releaseAllocation(ctx, r)
	return nil
}

// getOrCreateRoom resolves the room, allocating a node and a pipeline first
// when it has to create one. The engine round trip happens outside the
// registry lock; a concurrent creator winning the race gets its allocation
// kept and ours released.
func (o *Orchestrator) getOrCreateRoom(ctx context.Context, name domain.RoomName, canCreate bool) (*room.Room, bool, error) {
	o.mu.RLock()
	r, ok := o.rooms[name]
	o.mu.RUnlock()
	if ok {
		return r, false, nil
	}
	if !canCreate {
		return nil, false, domain.NewRoomError(domain.CodeRoomNotFound, "room %s not found", name)
	}

	node, err := o.fleet.SelectNode()
	if err != nil {
		return nil, false, err
	}
	pipeline, err := node.Engine().CreatePipeline(ctx)
	if err != nil {
		node.Release()
		return nil, false, domain.NewRoomError(domain.CodeGeneric, "allocate pipeline on %s: %v", node.URI(), err)
	}
	fresh := room.New(name, node, pipeline)

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		o.releaseAllocation(ctx, fresh)
		return nil, false, domain.NewRoomError(domain.CodeRoomClosing, "server is shutting down")
	}
	if existing, ok := o.rooms[name]; ok {
		o.mu.Unlock()
		o.releaseAllocation(ctx, fresh)
		return existing, false, nil
	}
	o.rooms[name] = fresh
	o.mu.Unlock()

	if o.metrics != nil {
		o.metrics.RoomsOpen.Inc()
		o.metrics.NodeAllocations.Inc()
	}
	log.Info().Str("module", "orch").Str("room", string(name)).Str("node", node.URI()).Msg("room created")
	return fresh, true, nil
}

// forgetRoom drops the registry entries pointing at r.
func (o *Orchestrator) forgetRoom(r *room.Room) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.rooms[r.Name()] == r {
		delete(o.rooms, r.Name())
	}
	for id, mr := range o.members {
		if mr == r {
			delete(o.members, id)
		}
	}
}

// releaseAllocation returns the room's pipeline and node slot. Callers
// reach this through exactly one claimed close path per room.
func (o *Orchestrator) releaseAllocation(ctx context.Context, r *room.Room) {
	if err := r.Pipeline().Release(ctx); err != nil {
		log.Error().Err(err).Str("module", "orch").Str("room", string(r.Name())).Msg("pipeline release")
	}
	r.Node().Release()
	if o.metrics != nil {
		o.metrics.RoomsOpen.Dec()
		o.metrics.NodeReleases.Inc()
	}
	log.Info().Str("module", "orch").Str("room", string(r.Name())).Str("node", r.Node().URI()).Int64("load", r.Node().Load()).Msg("room allocation released")
}

func (o *Orchestrator) releaseEndpoints(ctx context.Context, pubs []*room.Publisher, subs, deps []*room.Subscriber) {
	for _, pub := range pubs {
		if pub.Endpoint != nil {
			if err := pub.Endpoint.Release(ctx); err != nil {
				log.Error().Err(err).Str("module", "orch").Str("endpoint", pub.EndpointName()).Msg("publisher release")
			}
		}
	}
	for _, sub := range append(subs, deps...) {
		if sub != nil && sub.Endpoint != nil {
			if err := sub.Endpoint.Release(ctx); err != nil {
				log.Error().Err(err).Str("module", "orch").Str("endpoint", sub.EndpointName()).Msg("subscriber release")
			}
		}
	}
}
