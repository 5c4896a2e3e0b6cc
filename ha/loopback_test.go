package ha

import (
	"context"
	"errors"
	"testing"

	pkgerr "github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/txnlog"
)

func TestLoopbackRecordsTraffic(t *testing.T) {
	var l = NewLoopback("")
	require.NotEmpty(t, l.Node)

	var ctx = context.Background()
	require.NoError(t, l.SendGenMsg(ctx, GenMsg{Type: MsgGenCreated, GenID: 2}))
	require.NoError(t, l.SendGenMsg(ctx, GenMsg{Type: MsgGenActivated, GenID: 2}))

	var ch, err = l.OpenChannel(7)
	require.NoError(t, err)
	_, err = l.OpenChannel(7)
	require.Equal(t, pb.KindHA, pb.KindOf(err))

	var ops = []txnlog.Operation{{Type: txnlog.OpCreateState, Value: 42}}
	require.NoError(t, ch.SendST(1, ops))
	require.NoError(t, ch.SendST(2, nil))

	require.Equal(t, []GenMsg{
		{Type: MsgGenCreated, GenID: 2},
		{Type: MsgGenActivated, GenID: 2},
	}, l.Messages())
	require.Equal(t, []ST{{Seq: 1, Ops: ops}, {Seq: 2}}, l.Transactions(7))

	require.NoError(t, ch.Close())
	require.Error(t, ch.SendST(3, nil))

	// The channel may be re-opened once closed.
	_, err = l.OpenChannel(7)
	require.NoError(t, err)
}

func TestLoopbackFailureInjection(t *testing.T) {
	var l = NewLoopback("standby")
	var ch, _ = l.OpenChannel(1)

	l.Fail(errors.New("link down"))
	var err = l.SendGenMsg(context.Background(), GenMsg{Type: MsgGenClosed, GenID: 3})
	require.True(t, pkgerr.Cause(err) == pb.ErrHAError)
	require.Error(t, ch.SendST(1, nil))

	l.Fail(nil)
	require.NoError(t, ch.SendST(2, nil))
	require.Equal(t, []ST{{Seq: 2}}, l.Transactions(1))

	var ctx, cancel = context.WithCancel(context.Background())
	cancel()
	require.Equal(t, context.Canceled, l.SendGenMsg(ctx, GenMsg{Type: MsgGenWritten}))

	l.SetSyncing(3, true)
	l.SetSyncCompletionPct(40)
	require.True(t, l.Syncing(3))
	require.False(t, l.Syncing(4))
	require.Equal(t, 40, l.SyncCompletionPct())

	require.NoError(t, l.Close())
	require.Error(t, ch.SendST(3, nil))
}

func TestNopAndMsgTypes(t *testing.T) {
	var ch, err = Nop{}.OpenChannel(1)
	require.NoError(t, err)
	require.NoError(t, ch.SendST(1, nil))
	require.Equal(t, 100, Nop{}.SyncCompletionPct())
	require.Equal(t, "MIN_ACTIVE_OID", MsgMinActiveOid.String())
}
