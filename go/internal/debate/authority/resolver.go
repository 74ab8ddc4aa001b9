// Package authority decides who may drive the turn schedule.
//
// Two mutually exclusive policies exist. Without a moderator the room is
// SelfElected: every client applies the same deterministic rule to the shared
// roster, so the first speaker starts without any coordination message. Once a
// moderator joins the room becomes ModeratorControlled and only moderators may
// start turns or mutate the queue.
package authority

import (
	"github.com/mcdev12/debateroom/go/internal/models"
)

// Mode is the authority policy in force. The set of implementations is closed.
type Mode interface {
	isMode()
	String() string
}

// SelfElected is the fallback policy when no moderator is present.
type SelfElected struct{}

func (SelfElected) isMode()        {}
func (SelfElected) String() string { return "self_elected" }

// ModeratorControlled is in force while at least one moderator is in the roster.
type ModeratorControlled struct {
	ModeratorIDs []string
}

func (ModeratorControlled) isMode()        {}
func (ModeratorControlled) String() string { return "moderator_controlled" }

// IsModerator reports whether id is one of the moderators.
func (m ModeratorControlled) IsModerator(id string) bool {
	for _, mid := range m.ModeratorIDs {
		if mid == id {
			return true
		}
	}
	return false
}

// Resolve picks the mode for roster.
func Resolve(roster models.Roster) Mode {
	mods := roster.WithRole(models.RoleModerator)
	if len(mods) == 0 {
		return SelfElected{}
	}
	ids := make([]string, 0, len(mods))
	for _, p := range mods {
		ids = append(ids, p.ID)
	}
	return ModeratorControlled{ModeratorIDs: ids}
}

// HasModerator reports whether roster contains a moderator.
func HasModerator(roster models.Roster) bool {
	return roster.HasRole(models.RoleModerator)
}

// CanMutateQueue reports whether peer may enqueue, dequeue or reorder.
// Nobody may while the room is SelfElected.
func CanMutateQueue(mode Mode, peer models.Peer) bool {
	m, ok := mode.(ModeratorControlled)
	if !ok {
		return false
	}
	return peer.Role == models.RoleModerator && m.IsModerator(peer.ID)
}

// CanStartTurn reports whether caller may start a turn for target.
// Moderators may start anyone; in a self-elected room a speaker may only start itself.
func CanStartTurn(mode Mode, caller models.Peer, target string) bool {
	switch m := mode.(type) {
	case ModeratorControlled:
		return caller.Role == models.RoleModerator && m.IsModerator(caller.ID)
	case SelfElected:
		return caller.Role == models.RoleSpeaker && caller.ID == target
	default:
		return false
	}
}

// IsDriver reports whether peer's client advances the schedule on expiry.
func IsDriver(mode Mode, peer models.Peer) bool {
	switch m := mode.(type) {
	case ModeratorControlled:
		return m.IsModerator(peer.ID)
	case SelfElected:
		return true
	default:
		return false
	}
}

// Elect applies the auto-election rule: the speaker with the earliest join time,
// ties broken by id. It returns false when the roster holds no speaker.
func Elect(roster models.Roster) (string, bool) {
	speakers := roster.Speakers()
	if len(speakers) == 0 {
		return "", false
	}
	return speakers[0].ID, true
}
