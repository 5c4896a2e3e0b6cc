package store

import (
	"github.com/pkg/errors"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/states"
	"go.gazette.dev/msgstore/txnlog"
)

// OpenStateContext opens the state Context of committed owner |owner|.
func (e *Engine) OpenStateContext(owner pb.Handle) (*states.Context, error) {
	var info, err = e.readOwner(owner)
	if err != nil {
		return nil, err
	}
	return e.states.Open(owner, info.version)
}

// CloseStateContext closes a Context returned by OpenStateContext.
func (e *Engine) CloseStateContext(c *states.Context) { e.states.Close(c) }

// NextState returns the committed state of Context |c| which follows
// |after|. io.EOF ends the iteration.
func (e *Engine) NextState(c *states.Context, after pb.Handle) (pb.Handle, pb.StateObject, error) {
	return c.Next(after)
}

// CreateState logs the creation of a state of |value| within Context |c|.
func (s *Stream) CreateState(c *states.Context, value uint32) (pb.Handle, error) {
	if err := s.e.checkOwner(c.Owner, c.OwnerVersion); err != nil {
		return pb.NullHandle, err
	} else if err = s.prepare(); err != nil {
		return pb.NullHandle, err
	} else if err = s.log.EnsureAllocation(1); err != nil {
		return pb.NullHandle, err
	}
	var h, err = c.Reserve(value)
	if err != nil {
		return pb.NullHandle, err
	}
	if err = s.add(txnlog.Operation{Type: txnlog.OpCreateState, Handle: h, Handle2: c.Owner, Value: value}); err != nil {
		_ = s.e.states.UndoState(c.Owner, h)
		return pb.NullHandle, err
	}
	return h, nil
}

// DeleteState logs the deletion of committed state |h| of Context |c|.
func (s *Stream) DeleteState(c *states.Context, h pb.Handle) error {
	if _, err := c.Get(h); err != nil {
		return err
	} else if h.Gen != pb.MgmtGenID {
		return errors.WithMessagef(pb.ErrArgNotValid, "%s is not a state", h)
	} else if err = s.prepare(); err != nil {
		return err
	}
	return s.add(txnlog.Operation{Type: txnlog.OpDeleteState, Handle: h, Handle2: c.Owner})
}
