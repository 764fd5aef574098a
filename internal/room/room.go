// Package room holds the per-room state model: membership, the
// publish/subscribe endpoint graph, and the room's pipeline allocation.
// A room is a coarse critical section: every read-then-write sequence over
// its state happens inside one of the locked methods below. Engine calls
// never happen under the lock; the orchestrator sequences bookkeeping and
// negotiation so that a failed negotiation leaves no registered endpoint.
package room

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/akarev/roomd/internal/domain"
	"github.com/akarev/roomd/internal/fleet"
	"github.com/akarev/roomd/internal/media"
)

type Room struct {
	name     domain.RoomName
	node     *fleet.Node
	pipeline media.Pipeline

	mu     sync.Mutex
	byID   map[domain.ParticipantID]*Participant
	byName map[string]*Participant
	closed bool
}

func New(name domain.RoomName, node *fleet.Node, pipeline media.Pipeline) *Room {
	return &Room{
		name:     name,
		node:     node,
		pipeline: pipeline,
		byID:     make(map[domain.ParticipantID]*Participant),
		byName:   make(map[string]*Participant),
	}
}

func (r *Room) Name() domain.RoomName    { return r.name }
func (r *Room) Node() *fleet.Node        { return r.node }
func (r *Room) Pipeline() media.Pipeline { return r.pipeline }

func (r *Room) participantLocked(id domain.ParticipantID) (*Participant, error) {
	p, ok := r.byID[id]
	if !ok {
		return nil, domain.NewRoomError(domain.CodeParticipantNotFound, "participant %s not in room %s", id, r.name)
	}
	return p, nil
}

// Join registers a new participant and returns the peers that were already
// present at commit time.
func (r *Room) Join(id domain.ParticipantID, userName string, opts ParticipantOptions) ([]domain.UserParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, domain.NewRoomError(domain.CodeRoomClosing, "room %s is closing", r.name)
	}
	if _, ok := r.byID[id]; ok {
		return nil, domain.NewRoomError(domain.CodeDuplicateParticipant, "participant %s already in room %s", id, r.name)
	}
	if _, ok := r.byName[userName]; ok {
		return nil, domain.NewRoomError(domain.CodeDuplicateParticipant, "user %s already in room %s", userName, r.name)
	}
	existing := make([]domain.UserParticipant, 0, len(r.byID))
	for _, p := range r.byID {
		existing = append(existing, p.Info())
	}
	p := newParticipant(id, userName, r, opts)
	r.byID[id] = p
	r.byName[userName] = p
	log.Info().Str("module", "room").Str("room", string(r.name)).Str("participant", string(id)).Str("user", userName).Msg("participant joined")
	return existing, nil
}

// LeaveResult carries everything the orchestrator must release and notify
// after a participant has been removed from the room's state.
type LeaveResult struct {
	Removed   domain.UserParticipant
	Remaining []domain.UserParticipant
	Empty     bool

	// Endpoint records removed from the graph, to be released outside the
	// room lock. DepSubs are other participants' subscriptions to the
	// leaver's streams.
	Pubs    []*Publisher
	Subs    []*Subscriber
	DepSubs []*Subscriber
}

// Leave removes a participant and its whole endpoint graph, including every
// other participant's subscription to its streams. A second Leave for the
// same id reports ok=false and mutates nothing: an explicit leave and a
// disconnect-synthesized leave routinely race.
func (r *Room) Leave(id domain.ParticipantID) (LeaveResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return LeaveResult{}, false
	}
	res := LeaveResult{Removed: p.Info()}
	res.Pubs, res.Subs = p.detachAll()
	res.DepSubs = r.detachDependentsLocked(p.name)
	p.closed = true
	delete(r.byID, id)
	delete(r.byName, p.name)
	for _, other := range r.byID {
		res.Remaining = append(res.Remaining, other.Info())
	}
	res.Empty = len(r.byID) == 0
	log.Info().Str("module", "room").Str("room", string(r.name)).Str("participant", string(id)).Int("remaining", len(res.Remaining)).Msg("participant left")
	return res, true
}

// detachDependentsLocked removes every subscription, across the whole room,
// that references one of senderName's streams.
func (r *Room) detachDependentsLocked(senderName string) []*Subscriber {
	var deps []*Subscriber
	for _, other := range r.byID {
		for k, sub := range other.subscribers {
			if k.sender == senderName {
				deps = append(deps, sub)
				delete(other.subscribers, k)
			}
		}
	}
	return deps
}

// CloseResult is what CloseAll hands back for release and fan-out.
type CloseResult struct {
	Evicted []domain.UserParticipant
	Pubs    []*Publisher
	Subs    []*Subscriber
}

// CloseAll evicts every participant and marks the room closed. The second
// call reports ok=false: the pipeline and node allocation are released
// exactly once, by whichever caller won.
func (r *Room) CloseAll() (CloseResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return CloseResult{}, false
	}
	r.closed = true
	var res CloseResult
	for id, p := range r.byID {
		res.Evicted = append(res.Evicted, p.Info())
		pubs, subs := p.detachAll()
		res.Pubs = append(res.Pubs, pubs...)
		res.Subs = append(res.Subs, subs...)
		p.closed = true
		delete(r.byID, id)
		delete(r.byName, p.name)
	}
	log.Info().Str("module", "room").Str("room", string(r.name)).Int("evicted", len(res.Evicted)).Msg("room closed")
	return res, true
}

// CloseIfEmpty claims the close flag when the room has no participants.
// The caller that gets true owns the single pipeline/node release.
func (r *Room) CloseIfEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || len(r.byID) > 0 {
		return false
	}
	r.closed = true
	return true
}

func (r *Room) IsClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// --- queries ---

func (r *Room) Participants() []domain.UserParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.UserParticipant, 0, len(r.byID))
	for _, p := range r.byID {
		out = append(out, p.Info())
	}
	return out
}

// OtherParticipantIDs is the notification recipient set: everyone currently
// in the room except the given participant.
func (r *Room) OtherParticipantIDs(except domain.ParticipantID) []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(r.byID))
	for id := range r.byID {
		if id != except {
			out = append(out, id)
		}
	}
	return out
}

func (r *Room) ParticipantIDs() []domain.ParticipantID {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.ParticipantID, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}

func (r *Room) ParticipantInfo(id domain.ParticipantID) (domain.UserParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return domain.UserParticipant{}, err
	}
	return p.Info(), nil
}

func (r *Room) Publishers() []domain.UserParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UserParticipant
	for _, p := range r.byID {
		if p.isAnyStreaming() {
			out = append(out, p.Info())
		}
	}
	return out
}

func (r *Room) Subscribers() []domain.UserParticipant {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.UserParticipant
	for _, p := range r.byID {
		if p.isSubscribedToOther() {
			out = append(out, p.Info())
		}
	}
	return out
}

// PeerPublishers lists the participants whose streams id is receiving.
// The own stream does not count.
func (r *Room) PeerPublishers(id domain.ParticipantID) ([]domain.UserParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []domain.UserParticipant
	for k := range p.subscribers {
		if k.sender == p.name || seen[k.sender] {
			continue
		}
		seen[k.sender] = true
		if sender, ok := r.byName[k.sender]; ok {
			out = append(out, sender.Info())
		}
	}
	return out, nil
}

// PeerSubscribers lists the participants receiving id's streams.
func (r *Room) PeerSubscribers(id domain.ParticipantID) ([]domain.UserParticipant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return nil, err
	}
	var out []domain.UserParticipant
	for _, other := range r.byID {
		if other.id == id {
			continue
		}
		for k := range other.subscribers {
			if k.sender == p.name {
				out = append(out, other.Info())
				break
			}
		}
	}
	return out, nil
}

func (r *Room) IsStreaming(id domain.ParticipantID, stream domain.StreamID) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return false, err
	}
	return p.isStreaming(stream), nil
}

func (r *Room) ParticipantName(id domain.ParticipantID) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, err := r.participantLocked(id)
	if err != nil {
		return "", err
	}
	return p.name, nil
}
