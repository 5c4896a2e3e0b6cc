package generation

import (
	"sync"

	"github.com/pkg/errors"
	pb "go.gazette.dev/msgstore/protocol"
)

// Table maps generation IDs to mapped Generations: the management generation
// and the in-memory slots of data generations. Disk-resident generations are
// not mapped by the Table.
type Table struct {
	mu    sync.RWMutex
	mgmt  *Generation
	slots []*Generation
}

// NewTable returns a Table with |slots| in-memory data generation slots.
func NewTable(slots int) *Table {
	return &Table{slots: make([]*Generation, slots)}
}

// SetMgmt installs the management Generation.
func (t *Table) SetMgmt(g *Generation) {
	t.mu.Lock()
	t.mgmt = g
	t.mu.Unlock()
}

// Mgmt returns the management Generation.
func (t *Table) Mgmt() *Generation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.mgmt
}

// Put installs |g| into slot |index|. A nil |g| clears the slot.
func (t *Table) Put(index int, g *Generation) {
	t.mu.Lock()
	t.slots[index] = g
	t.mu.Unlock()
}

// Slot returns the Generation of slot |index|, which may be nil.
func (t *Table) Slot(index int) *Generation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.slots[index]
}

// Slots returns the number of in-memory slots.
func (t *Table) Slots() int { return len(t.slots) }

// Data returns the mapped data Generations, in slot order.
func (t *Table) Data() []*Generation {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Generation
	for _, g := range t.slots {
		if g != nil {
			out = append(out, g)
		}
	}
	return out
}

// Lookup returns the mapped Generation having |id|.
func (t *Table) Lookup(id pb.GenID) (*Generation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if id == pb.MgmtGenID && t.mgmt != nil {
		return t.mgmt, true
	}
	for _, g := range t.slots {
		if g != nil && g.ID() == id {
			return g, true
		}
	}
	return nil, false
}

// Active returns the ACTIVE data Generation, if there is one.
func (t *Table) Active() (*Generation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, g := range t.slots {
		if g != nil && g.State() == StateActive {
			return g, true
		}
	}
	return nil, false
}

// CountActive returns the number of ACTIVE data Generations.
func (t *Table) CountActive() int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var n int
	for _, g := range t.slots {
		if g != nil && g.State() == StateActive {
			n++
		}
	}
	return n
}

// Resolve returns the mapped Generation of |h|.
func (t *Table) Resolve(h pb.Handle) (*Generation, error) {
	if err := h.Validate(); err != nil {
		return nil, errors.WithMessagef(pb.ErrArgNotValid, "%s: %s", h, err)
	}
	if g, ok := t.Lookup(h.Gen); ok {
		return g, nil
	}
	return nil, errors.WithMessagef(pb.ErrNotMapped, "generation %s of %s", h.Gen, h)
}

// ResolveWritable returns the mapped Generation of |h|, which must also be
// writable.
func (t *Table) ResolveWritable(h pb.Handle) (*Generation, error) {
	var g, err = t.Resolve(h)
	if err != nil {
		return nil, err
	} else if !g.Writable() {
		return nil, errors.WithMessagef(pb.ErrStaleHandle,
			"generation %s of %s is %s", g.ID(), h, g.State())
	}
	return g, nil
}
