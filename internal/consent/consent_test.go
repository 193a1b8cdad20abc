package consent

import (
	"fmt"
	"testing"

	"github.com/bigbluebutton/bbb-consult-session/internal/types"
	"github.com/stretchr/testify/assert"
)

const (
	c = types.RoleClinician
	p = types.RolePatient
)

type action struct {
	role    types.Role
	decline bool
}

func (a action) String() string {
	if a.decline {
		return fmt.Sprintf("decline(%s)", a.role)
	}
	return fmt.Sprintf("grant(%s)", a.role)
}

func run(actions []action) (*Coordinator, int) {
	co := NewCoordinator()
	fired := 0
	co.OnBothConsented(func() { fired++ })
	for _, a := range actions {
		if a.decline {
			co.Decline(a.role)
		} else {
			co.Grant(a.role)
		}
	}
	return co, fired
}

// expected models the rule directly: joint consent fires iff each role has a
// grant that was issued while neither role had declined.
func expected(actions []action) int {
	declined := map[types.Role]bool{}
	granted := map[types.Role]bool{}
	for _, a := range actions {
		if a.decline {
			declined[a.role] = true
			continue
		}
		if declined[a.role] {
			continue
		}
		granted[a.role] = true
		if granted[c] && granted[p] && !declined[c] && !declined[p] {
			return 1
		}
	}
	return 0
}

func sequences(n int) [][]action {
	alphabet := []action{{role: c}, {role: p}, {role: c, decline: true}, {role: p, decline: true}}
	if n == 0 {
		return [][]action{{}}
	}
	var out [][]action
	for _, prefix := range sequences(n - 1) {
		for _, a := range alphabet {
			seq := append(append([]action{}, prefix...), a)
			out = append(out, seq)
		}
	}
	return out
}

func TestBothConsentedFiresAtMostOnce(t *testing.T) {
	for n := 0; n <= 5; n++ {
		for _, seq := range sequences(n) {
			_, fired := run(seq)
			assert.Equal(t, expected(seq), fired, "sequence %v", seq)
		}
	}
}

func TestGrantOrderIndependent(t *testing.T) {
	_, a := run([]action{{role: c}, {role: p}})
	_, b := run([]action{{role: p}, {role: c}})
	assert.Equal(t, 1, a)
	assert.Equal(t, a, b)
}

func TestDuplicateGrants(t *testing.T) {
	co := NewCoordinator()
	fired := 0
	co.OnBothConsented(func() { fired++ })

	assert.Equal(t, Granted, co.Grant(c))
	assert.Equal(t, AlreadyGranted, co.Grant(c))
	assert.Equal(t, BothConsented, co.Grant(p))
	assert.Equal(t, AlreadyGranted, co.Grant(p))
	assert.Equal(t, AlreadyGranted, co.Grant(c))
	assert.Equal(t, 1, fired)
	assert.True(t, co.Fired())
}

func TestDeclineAfterOtherGranted(t *testing.T) {
	co := NewCoordinator()
	fired := 0
	co.OnBothConsented(func() { fired++ })

	assert.Equal(t, Granted, co.Grant(c))
	assert.Equal(t, Declined, co.Decline(p))
	assert.Equal(t, AlreadyGranted, co.Grant(c))
	assert.Equal(t, Rejected, co.Grant(p))
	assert.Equal(t, 0, fired)
	assert.True(t, co.Blocked())

	snap := co.Snapshot()
	assert.Len(t, snap, 2)
	assert.Equal(t, c, snap[0].ParticipantRole)
	assert.True(t, snap[0].Granted)
	assert.NotNil(t, snap[0].GrantedAt)
	assert.False(t, snap[1].Granted)
	assert.True(t, snap[1].Declined)
}

func TestGrantAfterOwnDeclineRejected(t *testing.T) {
	co := NewCoordinator()
	assert.Equal(t, Declined, co.Decline(c))
	assert.Equal(t, AlreadyDeclined, co.Decline(c))
	assert.Equal(t, Rejected, co.Grant(c))
	assert.Equal(t, Granted, co.Grant(p))
	assert.False(t, co.Fired())
}

func TestUnknownRole(t *testing.T) {
	co := NewCoordinator()
	assert.Equal(t, Unknown, co.Grant(types.Role("observer")))
	assert.Equal(t, Unknown, co.Decline(types.Role("observer")))
}
