package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	for _, s := range []string{"judge", "speaker", "moderator", "audience"} {
		r, err := ParseRole(s)
		require.NoError(t, err)
		assert.Equal(t, Role(s), r)
	}

	_, err := ParseRole("guest")
	assert.Error(t, err)
}

func TestRosterSpeakersOrdering(t *testing.T) {
	base := time.UnixMilli(1000)
	roster := Roster{
		{ID: "mod", Role: RoleModerator, JoinedAt: base},
		{ID: "s3", Role: RoleSpeaker, JoinedAt: base.Add(2 * time.Second)},
		{ID: "s2", Role: RoleSpeaker, JoinedAt: base.Add(time.Second)},
		{ID: "s1", Role: RoleSpeaker, JoinedAt: base.Add(time.Second)},
		{ID: "aud", Role: RoleAudience, JoinedAt: base},
	}

	speakers := roster.Speakers()
	ids := make([]string, 0, len(speakers))
	for _, p := range speakers {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{"s1", "s2", "s3"}, ids)

	// Roster order is untouched.
	assert.Equal(t, "mod", roster[0].ID)
}

func TestRosterLookups(t *testing.T) {
	roster := Roster{
		{ID: "a", Role: RoleSpeaker, IsLocal: true},
		{ID: "b", Role: RoleJudge},
	}

	local, ok := roster.Local()
	require.True(t, ok)
	assert.Equal(t, "a", local.ID)

	assert.True(t, roster.IsSpeaker("a"))
	assert.False(t, roster.IsSpeaker("b"))
	assert.False(t, roster.IsSpeaker("missing"))
	assert.True(t, roster.HasRole(RoleJudge))
	assert.False(t, roster.HasRole(RoleModerator))
}
