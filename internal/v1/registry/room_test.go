package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAddMemberReportsFirst(t *testing.T) {
	r := NewRoomRegistry()
	first := r.AddMember("R1", "c1")
	assert.True(t, first)

	second := r.AddMember("R1", "c2")
	assert.False(t, second)

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.Members("R1"))
}

func TestRemoveMemberClearsRoomAndHostWhenEmpty(t *testing.T) {
	r := NewRoomRegistry()
	r.AddMember("R1", "c1")
	r.SetHost("R1", "c1")

	becameEmpty := r.RemoveMember("R1", "c1")
	assert.True(t, becameEmpty)
	assert.True(t, r.IsEmpty("R1"))

	_, ok := r.Host("R1")
	assert.False(t, ok)
}

func TestRemoveMemberNotEmpty(t *testing.T) {
	r := NewRoomRegistry()
	r.AddMember("R1", "c1")
	r.AddMember("R1", "c2")

	becameEmpty := r.RemoveMember("R1", "c1")
	assert.False(t, becameEmpty)
	assert.Equal(t, 1, r.Size("R1"))
}

func TestRemoveMemberClearsCreatorWhenRoomEmpties(t *testing.T) {
	r := NewRoomRegistry()
	r.AddMember("R1", "c1")
	r.SetCreatorIfAbsent("R1", "user-1")

	becameEmpty := r.RemoveMember("R1", "c1")
	assert.True(t, becameEmpty)

	_, ok := r.Creator("R1")
	assert.False(t, ok)

	// A stranger recreating R1 must not inherit the prior epoch's creator.
	r.AddMember("R1", "c2")
	r.SetCreatorIfAbsent("R1", "user-2")
	creator, ok := r.Creator("R1")
	assert.True(t, ok)
	assert.Equal(t, "user-2", creator)
}

func TestCreatorSetOnce(t *testing.T) {
	r := NewRoomRegistry()
	r.SetCreatorIfAbsent("R1", "user-1")
	r.SetCreatorIfAbsent("R1", "user-2")

	creator, ok := r.Creator("R1")
	assert.True(t, ok)
	assert.Equal(t, "user-1", creator)
}

func TestCreatorIgnoresEmptyUserID(t *testing.T) {
	r := NewRoomRegistry()
	r.SetCreatorIfAbsent("R1", "")
	_, ok := r.Creator("R1")
	assert.False(t, ok)
}

func TestIsMember(t *testing.T) {
	r := NewRoomRegistry()
	r.AddMember("R1", "c1")
	assert.True(t, r.IsMember("R1", "c1"))
	assert.False(t, r.IsMember("R1", "c2"))
	assert.False(t, r.IsMember("R2", "c1"))
}
