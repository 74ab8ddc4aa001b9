package models

import (
	"fmt"
	"sort"
	"time"
)

// Role defines what a participant may do in a debate room.
type Role string

const (
	RoleJudge     Role = "judge"
	RoleSpeaker   Role = "speaker"
	RoleModerator Role = "moderator"
	RoleAudience  Role = "audience"
)

// ParseRole validates a role string coming from a request or a roster frame.
func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleJudge, RoleSpeaker, RoleModerator, RoleAudience:
		return r, nil
	default:
		return "", fmt.Errorf("invalid role %q", s)
	}
}

// Peer is a session participant as reported by the communication platform.
type Peer struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Role       Role      `json:"role"`
	JoinedAt   time.Time `json:"joined_at"`
	IsLocal    bool      `json:"is_local,omitempty"`
	AudioTrack string    `json:"audio_track,omitempty"` // platform track reference
}

// IsSpeaker reports whether the peer holds the speaker role.
func (p Peer) IsSpeaker() bool {
	return p.Role == RoleSpeaker
}

// Roster is a read-only view of the peers in a room. The platform owns it.
type Roster []Peer

// Find returns the peer with the given id.
func (r Roster) Find(id string) (Peer, bool) {
	for _, p := range r {
		if p.ID == id {
			return p, true
		}
	}
	return Peer{}, false
}

// Local returns the peer flagged as local, if any.
func (r Roster) Local() (Peer, bool) {
	for _, p := range r {
		if p.IsLocal {
			return p, true
		}
	}
	return Peer{}, false
}

// HasRole reports whether any peer holds role.
func (r Roster) HasRole(role Role) bool {
	for _, p := range r {
		if p.Role == role {
			return true
		}
	}
	return false
}

// WithRole returns the peers holding role, in roster order.
func (r Roster) WithRole(role Role) Roster {
	var out Roster
	for _, p := range r {
		if p.Role == role {
			out = append(out, p)
		}
	}
	return out
}

// Speakers returns speaker-role peers ordered by join time, ties broken by id.
func (r Roster) Speakers() Roster {
	speakers := r.WithRole(RoleSpeaker)
	sort.SliceStable(speakers, func(i, j int) bool {
		if !speakers[i].JoinedAt.Equal(speakers[j].JoinedAt) {
			return speakers[i].JoinedAt.Before(speakers[j].JoinedAt)
		}
		return speakers[i].ID < speakers[j].ID
	})
	return speakers
}

// IsSpeaker reports whether id belongs to a current speaker-role peer.
func (r Roster) IsSpeaker(id string) bool {
	p, ok := r.Find(id)
	return ok && p.IsSpeaker()
}

// Clone returns a copy that callers may mutate.
func (r Roster) Clone() Roster {
	if r == nil {
		return nil
	}
	out := make(Roster, len(r))
	copy(out, r)
	return out
}
