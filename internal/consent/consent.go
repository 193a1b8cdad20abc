// Package consent gates recording behind the explicit approval of both
// participants of a session.
package consent

import (
	"sync"
	"time"

	"github.com/AlekSi/pointer"
	"github.com/bigbluebutton/bbb-consult-session/internal/types"
)

type Outcome int

const (
	// Granted records the grant; the other role has not granted yet.
	Granted Outcome = iota
	// AlreadyGranted is a repeated grant by the same role.
	AlreadyGranted
	// BothConsented is returned to the grant that completed joint consent.
	// It is returned once per Coordinator.
	BothConsented
	// Rejected is a grant issued after the same role declined.
	Rejected
	// Declined records the decline.
	Declined
	// AlreadyDeclined is a repeated decline by the same role.
	AlreadyDeclined
	// Unknown is returned for a role outside the session.
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Granted:
		return "granted"
	case AlreadyGranted:
		return "already_granted"
	case BothConsented:
		return "both_consented"
	case Rejected:
		return "rejected"
	case Declined:
		return "declined"
	case AlreadyDeclined:
		return "already_declined"
	default:
		return "unknown"
	}
}

type entry struct {
	granted   bool
	grantedAt *time.Time
	declined  bool
}

type Coordinator struct {
	mu      sync.Mutex
	entries map[types.Role]*entry
	fired   bool
	onBoth  func()
	now     func() time.Time
}

func NewCoordinator() *Coordinator {
	return &Coordinator{
		entries: map[types.Role]*entry{
			types.RoleClinician: {},
			types.RolePatient:   {},
		},
		now: time.Now,
	}
}

// OnBothConsented registers the callback fired, at most once, when joint
// consent is reached. It runs synchronously inside the Grant that completed it.
func (c *Coordinator) OnBothConsented(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onBoth = fn
}

func (c *Coordinator) Grant(role types.Role) Outcome {
	c.mu.Lock()

	e, ok := c.entries[role]
	if !ok {
		c.mu.Unlock()
		return Unknown
	}

	if e.declined {
		c.mu.Unlock()
		return Rejected
	}

	if e.granted {
		c.mu.Unlock()
		return AlreadyGranted
	}

	e.granted = true
	e.grantedAt = pointer.ToTime(c.now().UTC())

	if c.fired || !c.allGranted() {
		c.mu.Unlock()
		return Granted
	}

	c.fired = true
	fn := c.onBoth
	c.mu.Unlock()

	if fn != nil {
		fn()
	}

	return BothConsented
}

// Decline blocks recording for the rest of the session. A grant recorded
// before the decline, by either role, is kept as is.
func (c *Coordinator) Decline(role types.Role) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[role]
	if !ok {
		return Unknown
	}

	if e.declined {
		return AlreadyDeclined
	}

	e.declined = true
	return Declined
}

// Fired reports whether joint consent has been reached.
func (c *Coordinator) Fired() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fired
}

// Blocked reports whether a decline stands for any role.
func (c *Coordinator) Blocked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		if e.declined {
			return true
		}
	}
	return false
}

func (c *Coordinator) Snapshot() []types.ParticipantConsent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.ParticipantConsent, 0, len(c.entries))
	for _, role := range []types.Role{types.RoleClinician, types.RolePatient} {
		e := c.entries[role]
		pc := types.ParticipantConsent{
			ParticipantRole: role,
			Granted:         e.granted,
			Declined:        e.declined,
		}
		if e.grantedAt != nil {
			pc.GrantedAt = pointer.ToTime(*e.grantedAt)
		}
		out = append(out, pc)
	}
	return out
}

func (c *Coordinator) allGranted() bool {
	for _, e := range c.entries {
		if !e.granted || e.declined {
			return false
		}
	}
	return true
}
