package scheduler

import (
	"context"

	"github.com/mcdev12/debateroom/go/internal/debate/authority"
	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/mcdev12/debateroom/go/internal/debate/turnclock"
	"github.com/mcdev12/debateroom/go/internal/models"
	"github.com/rs/zerolog/log"
)

// HandleInbound applies a received snapshot. Stale and unauthorized snapshots
// are dropped; duplicates are no-ops.
func (s *Scheduler) HandleInbound(ctx context.Context, in events.Inbound) {
	_ = s.do(ctx, func(fx *effects) error {
		switch msg := in.(type) {
		case events.ActiveTurnChanged:
			s.applyTurnLocked(fx, msg)
		case events.QueueChanged:
			s.applyQueueLocked(fx, msg)
		}
		return nil
	})
}

func (s *Scheduler) applyTurnLocked(fx *effects, msg events.ActiveTurnChanged) {
	turn := msg.Turn
	s.observeLocked(turn.Version)

	if !newer(turn.Version, turn.Origin, s.turnVersion, s.turnOrigin) {
		return
	}
	if !s.acceptTurnFromLocked(msg.SenderID, turn) {
		log.Warn().
			Str("sender_id", msg.SenderID).
			Str("peer_id", turn.PeerID).
			Str("mode", s.mode.String()).
			Msg("dropping active turn from unauthorized sender")
		return
	}
	if turn.PeerID != "" && len(s.roster) > 0 && !s.roster.IsSpeaker(turn.PeerID) {
		log.Warn().Str("peer_id", turn.PeerID).Msg("dropping active turn for unknown speaker")
		return
	}

	s.turnVersion, s.turnOrigin = turn.Version, turn.Origin

	var prev string
	if s.active != nil {
		prev = s.active.PeerID
	}

	if turn.PeerID == "" {
		s.active = nil
	} else {
		clock := turnclock.New(turn.StartTime, s.budget)
		if turn.PausedAt != nil {
			paused := *turn.PausedAt
			clock.PauseTime = &paused
		}
		s.active = &ActiveTurn{PeerID: turn.PeerID, Clock: clock}
		_ = s.queue.Remove(turn.PeerID)
		s.turnHeld = true
	}

	if prev != "" && prev != turn.PeerID {
		if prev == s.localID {
			s.forceMuteLocked(fx, prev)
		}
		s.onTurnFinishedLocked(fx, prev)
	}

	log.Debug().
		Str("peer_id", turn.PeerID).
		Str("previous_peer_id", prev).
		Uint64("version", turn.Version).
		Str("origin", turn.Origin).
		Msg("applied active turn snapshot")
}

func (s *Scheduler) applyQueueLocked(fx *effects, msg events.QueueChanged) {
	snap := msg.Queue
	s.observeLocked(snap.Version)

	if !newer(snap.Version, snap.Origin, s.queueVersion, s.queueOrigin) {
		return
	}
	if !s.acceptQueueFromLocked(msg.SenderID, snap.Origin) {
		log.Warn().
			Str("sender_id", msg.SenderID).
			Str("mode", s.mode.String()).
			Msg("dropping queue snapshot from unauthorized sender")
		return
	}

	s.queueVersion, s.queueOrigin = snap.Version, snap.Origin
	s.awaitingQueue = false
	if s.queue.Equal(snap.Order) {
		log.Debug().Uint64("version", snap.Version).Str("origin", snap.Origin).Msg("queue snapshot restamped")
		return
	}
	s.queue.Replace(snap.Order)
	s.pruneQueueLocked()

	log.Debug().
		Strs("order", s.queue.Order()).
		Uint64("version", snap.Version).
		Str("origin", snap.Origin).
		Msg("applied queue snapshot")
}

// acceptTurnFromLocked checks the sender's authority over an ACTIVE_TURN. In a
// moderated room only a moderator or the current speaker (pausing, resuming or
// ending its own turn) may change the turn. Before the first roster arrives
// everything is accepted; the roster update then reconciles.
func (s *Scheduler) acceptTurnFromLocked(senderID string, turn events.ActiveTurnPayload) bool {
	if len(s.roster) == 0 {
		return true
	}
	sender, ok := s.roster.Find(senderID)
	if !ok || !s.originValidLocked(senderID, turn.Origin) {
		return false
	}
	mc, moderated := s.mode.(authority.ModeratorControlled)
	if !moderated {
		return true
	}
	if mc.IsModerator(senderID) {
		return true
	}
	if sender.Role != models.RoleSpeaker {
		return false
	}
	holds := s.active != nil && s.active.PeerID == senderID
	if turn.PeerID == "" {
		return holds
	}
	return turn.PeerID == senderID && (holds || s.active == nil)
}

// acceptQueueFromLocked checks the sender's authority over a QUEUE_SNAPSHOT.
// A moderator that has just joined a room with history also takes the queue
// from a speaker once, see UpdateRoster.
func (s *Scheduler) acceptQueueFromLocked(senderID, origin string) bool {
	if len(s.roster) == 0 {
		return true
	}
	sender, ok := s.roster.Find(senderID)
	if !ok || !s.originValidLocked(senderID, origin) {
		return false
	}
	if _, moderated := s.mode.(authority.ModeratorControlled); moderated {
		if sender.Role == models.RoleModerator {
			return true
		}
		return s.awaitingQueue && s.isModeratorLocked() && sender.Role == models.RoleSpeaker
	}
	return true
}

// originValidLocked rejects snapshots stamped with someone else's origin. Only
// a moderator's stamp may be carried by another sender.
func (s *Scheduler) originValidLocked(senderID, origin string) bool {
	if origin == senderID {
		return true
	}
	p, ok := s.roster.Find(origin)
	return ok && p.Role == models.RoleModerator
}

func (s *Scheduler) observeLocked(version uint64) {
	if version > s.lamport {
		s.lamport = version
	}
}

// newer orders snapshots by version, then by origin id. Equal version and
// origin is a replay.
func newer(version uint64, origin string, curVersion uint64, curOrigin string) bool {
	if version != curVersion {
		return version > curVersion
	}
	return origin > curOrigin
}

// UpdateRoster replaces the roster replica and reapplies every rule that
// depends on it: authority mode, queue eligibility, speaker departure and
// auto-election.
func (s *Scheduler) UpdateRoster(ctx context.Context, roster models.Roster) {
	_ = s.do(ctx, func(fx *effects) error {
		prev := s.roster
		next := roster.Clone()
		for i := range next {
			next[i].IsLocal = next[i].ID == s.localID
		}
		s.roster = next

		prevMode := s.mode
		s.mode = authority.Resolve(next)
		if prevMode.String() != s.mode.String() {
			log.Info().
				Str("from", prevMode.String()).
				Str("to", s.mode.String()).
				Msg("authority mode changed")
		}

		if len(prev) == 0 && s.isModeratorLocked() && s.queueVersion == 0 && len(next) > 1 {
			// Joined a room that may already have rotated turns: the first
			// speaker queue received replaces the one derived from join order.
			s.awaitingQueue = true
		}
		s.handOverQueueLocked(fx, prev, prevMode)

		departed := s.handleDepartureLocked()

		changed := s.pruneQueueLocked()
		if s.enqueueNewSpeakersLocked(prev) {
			changed = true
		}
		if changed && s.isModeratorLocked() {
			s.publishQueueLocked(fx)
		}

		if departed && s.isModeratorLocked() {
			s.advanceLocked(fx)
		}

		s.rebroadcastForNewcomersLocked(fx, prev)
		return nil
	})
}

// handOverQueueLocked runs on the switch from a self-elected to a moderated
// room. Speakers hold the queue the room rotated through; the active speaker
// republishes it for the moderator, and every speaker raises its queue stamp to
// the room's clock so a moderator stamp derived from join order cannot replace it.
func (s *Scheduler) handOverQueueLocked(fx *effects, prev models.Roster, prevMode authority.Mode) {
	if len(prev) == 0 || s.isModeratorLocked() {
		return
	}
	if _, wasSelf := prevMode.(authority.SelfElected); !wasSelf {
		return
	}
	if _, moderated := s.mode.(authority.ModeratorControlled); !moderated {
		return
	}

	if s.active != nil && s.active.PeerID == s.localID {
		s.publishQueueLocked(fx)
		log.Info().Strs("order", s.queue.Order()).Msg("queue handed over to moderator")
		return
	}
	if s.queueVersion < s.lamport {
		s.queueVersion, s.queueOrigin = s.lamport, s.localID
	}
}

// handleDepartureLocked clears the active turn when its speaker is gone. Every
// client does this on its own; nothing is broadcast.
func (s *Scheduler) handleDepartureLocked() bool {
	if s.active == nil || s.roster.IsSpeaker(s.active.PeerID) {
		return false
	}
	log.Info().Str("peer_id", s.active.PeerID).Msg("active speaker left - turn cleared")
	s.active = nil
	return true
}

func (s *Scheduler) pruneQueueLocked() bool {
	if len(s.roster) == 0 {
		return false
	}
	return s.queue.Retain(func(id string) bool {
		if s.active != nil && s.active.PeerID == id {
			return false
		}
		return s.roster.IsSpeaker(id)
	})
}

// enqueueNewSpeakersLocked appends speakers that were not eligible in prev, in
// join order. In a moderated room only the moderator's client does this.
func (s *Scheduler) enqueueNewSpeakersLocked(prev models.Roster) bool {
	if _, moderated := s.mode.(authority.ModeratorControlled); moderated && !s.isModeratorLocked() {
		return false
	}

	changed := false
	for _, p := range s.roster.Speakers() {
		if prev.IsSpeaker(p.ID) || s.queue.Contains(p.ID) {
			continue
		}
		if s.active != nil && s.active.PeerID == p.ID {
			continue
		}
		if err := s.queue.Enqueue(p.ID); err == nil {
			changed = true
			log.Debug().Str("peer_id", p.ID).Msg("speaker enqueued on join")
		}
	}
	return changed
}

// rebroadcastForNewcomersLocked brings late joiners up to date. The active
// speaker and moderators resend the turn and the queue with fresh stamps, so
// that they replace whatever the newcomer derived locally.
func (s *Scheduler) rebroadcastForNewcomersLocked(fx *effects, prev models.Roster) {
	if len(prev) == 0 || !s.hasNewcomersLocked(prev) {
		return
	}
	speaking := s.active != nil && s.active.PeerID == s.localID
	if !speaking && !s.isModeratorLocked() {
		return
	}

	if fx.turn == nil && s.turnVersion > 0 {
		s.publishTurnLocked(fx)
	}
	if fx.queue == nil && s.queue.Len() > 0 {
		if _, moderated := s.mode.(authority.ModeratorControlled); !moderated || s.isModeratorLocked() {
			s.publishQueueLocked(fx)
		}
	}
}

func (s *Scheduler) hasNewcomersLocked(prev models.Roster) bool {
	for _, p := range s.roster {
		if p.ID == s.localID {
			continue
		}
		if _, ok := prev.Find(p.ID); !ok {
			return true
		}
	}
	return false
}
