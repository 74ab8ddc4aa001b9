package scheduler

import (
	"context"

	"github.com/mcdev12/debateroom/go/internal/debate/events"
	"github.com/rs/zerolog/log"
)

type audioOp struct {
	local   bool
	track   string
	enabled bool
}

// effects collects the side effects of one state transition. They are applied
// after the scheduler lock is released so that a synchronous transport may
// deliver our own broadcast back into the scheduler.
type effects struct {
	audio []audioOp
	turn  *events.ActiveTurnPayload
	queue *events.QueueSnapshotPayload
}

// do runs mutate under the lock, applies auto-election and then the collected
// side effects.
func (s *Scheduler) do(ctx context.Context, mutate func(fx *effects) error) error {
	fx := &effects{}

	s.mu.Lock()
	err := mutate(fx)
	if err == nil {
		s.maybeElectLocked(fx)
	}
	s.mu.Unlock()

	if err != nil {
		log.Debug().Err(err).Str("peer_id", s.localID).Msg("scheduler operation rejected")
	}

	s.apply(ctx, fx)
	return err
}

func (s *Scheduler) apply(ctx context.Context, fx *effects) {
	for _, op := range fx.audio {
		s.applyAudio(ctx, op)
	}

	if s.broadcaster != nil {
		if fx.turn != nil {
			s.broadcaster.PublishActiveTurn(ctx, *fx.turn)
		}
		if fx.queue != nil {
			s.broadcaster.PublishQueue(ctx, *fx.queue)
		}
	}

	s.syncTicker()
}

// syncTicker starts or stops the ticker to match the current state. Concurrent
// transitions apply their effects in any order, so the decision is taken from
// the state at the time of the call rather than the state the transition left.
func (s *Scheduler) syncTicker() {
	s.tickMu.Lock()
	defer s.tickMu.Unlock()

	s.mu.Lock()
	speaking := s.active != nil
	runCtx := s.runCtx
	s.mu.Unlock()

	if !speaking || runCtx == nil {
		s.ticker.Stop()
		return
	}
	if s.autoTick {
		s.ticker.Start(runCtx, s.Tick)
	}
}

// applyAudio enforces a mute. Failures are logged; the scheduler state is not
// rolled back.
func (s *Scheduler) applyAudio(ctx context.Context, op audioOp) {
	if s.audio == nil {
		return
	}

	var err error
	if op.local {
		err = s.audio.SetLocalAudioEnabled(ctx, op.enabled)
	} else {
		err = s.audio.SetRemoteTrackEnabled(ctx, op.track, op.enabled)
	}
	if err != nil {
		log.Error().
			Err(err).
			Bool("local", op.local).
			Str("track", op.track).
			Bool("enabled", op.enabled).
			Msg("failed to change audio state")
	}
}
