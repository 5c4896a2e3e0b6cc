package store

import (
	"context"

	"github.com/pkg/errors"
	"go.gazette.dev/msgstore/jobs"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/refchain"
	"go.gazette.dev/msgstore/txnlog"
)

// OpenReferenceContext opens the reference Context of committed owner
// |owner|. A Context of a prior occupant of the owner's granule is an
// ErrOwnerVersion.
func (e *Engine) OpenReferenceContext(owner pb.Handle) (*refchain.Context, error) {
	var info, err = e.readOwner(owner)
	if err != nil {
		return nil, err
	}
	return e.refs.Open(owner, info.version, info.minActive)
}

// CloseReferenceContext closes a Context returned by OpenReferenceContext.
// Its references are retained.
func (e *Engine) CloseReferenceContext(c *refchain.Context) { e.refs.Close(c) }

// ClearReferenceContext releases every reference of Context |c|.
func (e *Engine) ClearReferenceContext(c *refchain.Context) error {
	if err := e.operational(); err != nil {
		return err
	}
	return c.Clear()
}

// ReferenceStatistics returns statistics of the references of Context |c|.
func (e *Engine) ReferenceStatistics(c *refchain.Context) pb.ReferenceStatistics {
	return c.Statistics()
}

// NextReference returns the committed reference of Context |c| having the
// lowest order ID greater than |after|. io.EOF ends the iteration.
func (e *Engine) NextReference(c *refchain.Context, after uint64) (pb.Reference, error) {
	return c.Next(after)
}

// checkOwner returns an error unless the owner of Context |c| remains
// committed at the Context's version.
func (e *Engine) checkOwner(owner pb.Handle, version uint32) error {
	var info, err = e.readOwner(owner)
	if err != nil {
		return err
	} else if info.version != version {
		return errors.WithMessagef(pb.ErrOwnerVersion, "owner %s (version %d; context has %d)",
			owner, info.version, version)
	}
	return nil
}

// CreateReference logs the creation of |ref| within Context |c|, in the
// Stream's bound generation. If |minActive| exceeds the Context's minimum
// active order ID, its update is also logged.
func (s *Stream) CreateReference(c *refchain.Context, ref pb.Reference, minActive uint64) (pb.Handle, error) {
	if err := ref.Validate(); err != nil {
		return pb.NullHandle, errors.WithMessage(pb.ErrArgNotValid, err.Error())
	} else if err = s.e.checkOwner(c.Owner, c.OwnerVersion); err != nil {
		return pb.NullHandle, err
	} else if err = s.prepare(); err != nil {
		return pb.NullHandle, err
	} else if err = s.log.EnsureAllocation(2); err != nil {
		return pb.NullHandle, err
	}

	var slot, err = c.Reserve(s.myGen, ref)
	if err != nil {
		return pb.NullHandle, err
	}
	var op = txnlog.Operation{
		Type:      txnlog.OpCreateReference,
		Handle:    slot,
		Handle2:   c.Owner,
		Attribute: ref.OrderID,
	}
	if err = s.add(op); err != nil {
		_ = s.e.refs.UndoReference(c.Owner, slot, ref.OrderID)
		return pb.NullHandle, err
	}
	if minActive > c.MinActive() {
		if err = s.add(txnlog.Operation{Type: txnlog.OpUpdateActiveOid, Handle: c.Owner, Attribute: minActive}); err != nil {
			return pb.NullHandle, err
		}
	}
	return slot, nil
}

// UpdateReference logs an update of the state and value of the reference
// having |orderID|. References of generations which are no longer writable
// are updated through a RefState of the management generation, which
// records only the state.
func (s *Stream) UpdateReference(c *refchain.Context, orderID uint64, state uint8, value uint32) error {
	if state >= pb.RefStateDeleted {
		return errors.WithMessagef(pb.ErrArgNotValid, "state %#x is reserved", state)
	} else if err := s.prepare(); err != nil {
		return err
	}
	var t, err = c.Locate(orderID)
	if err != nil {
		return err
	}
	var op = txnlog.Operation{
		Type:      txnlog.OpUpdateReference,
		Handle:    t.Handle,
		Handle2:   c.Owner,
		Attribute: orderID,
		RefState:  state,
		Value:     value,
	}
	if t.RefState {
		op.Type = txnlog.OpUpdateRefState
	}
	return s.add(op)
}

// DeleteReference logs the deletion of the reference having |orderID|.
func (s *Stream) DeleteReference(c *refchain.Context, orderID uint64) error {
	if err := s.prepare(); err != nil {
		return err
	}
	var t, err = c.Locate(orderID)
	if err != nil {
		return err
	}
	var op = txnlog.Operation{
		Type:      txnlog.OpDeleteReference,
		Handle:    t.Handle,
		Handle2:   c.Owner,
		Attribute: orderID,
	}
	if t.RefState {
		op.Type, op.RefState = txnlog.OpUpdateRefState, pb.RefStateDeleted
	}
	return s.add(op)
}

// CreateReferenceCommit creates |ref| and commits the transaction.
func (s *Stream) CreateReferenceCommit(ctx context.Context, c *refchain.Context, ref pb.Reference, minActive uint64) (pb.Handle, error) {
	var h, err = s.CreateReference(c, ref, minActive)
	if err != nil {
		return pb.NullHandle, err
	}
	return h, s.Commit(ctx)
}

// UpdateReferenceCommit updates the reference having |orderID| and commits
// the transaction.
func (s *Stream) UpdateReferenceCommit(ctx context.Context, c *refchain.Context, orderID uint64, state uint8, value uint32) error {
	if err := s.UpdateReference(c, orderID, state, value); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// DeleteReferenceCommit deletes the reference having |orderID| and commits
// the transaction.
func (s *Stream) DeleteReferenceCommit(ctx context.Context, c *refchain.Context, orderID uint64) error {
	if err := s.DeleteReference(c, orderID); err != nil {
		return err
	}
	return s.Commit(ctx)
}

// SetMinActiveOrderID logs an advance of the minimum active order ID of
// Context |c|, and informs the standby.
func (s *Stream) SetMinActiveOrderID(c *refchain.Context, minActive uint64) error {
	if err := s.prepare(); err != nil {
		return err
	} else if err = s.add(txnlog.Operation{Type: txnlog.OpUpdateActiveOid, Handle: c.Owner, Attribute: minActive}); err != nil {
		return err
	}
	s.e.queue.Submit(jobs.Job{Type: jobs.HASendMinActiveOid, Handle: c.Owner, Arg: minActive})
	return nil
}

// PruneReferences advances the minimum active order ID of Context |c| to
// |minActive| outside of a transaction, and releases chunks which hold only
// order IDs below it.
func (e *Engine) PruneReferences(c *refchain.Context, minActive uint64) error {
	if err := e.operational(); err != nil {
		return err
	} else if err = e.checkOwner(c.Owner, c.OwnerVersion); err != nil {
		return err
	} else if err = e.setMinActive(c.Owner, minActive); err != nil {
		return err
	}
	return c.Prune()
}
