package protocol

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

func TestHandlePackingRoundTrip(t *testing.T) {
	for _, h := range []Handle{
		NullHandle,
		{Gen: MgmtGenID, Offset: 512},
		{Gen: 2, Offset: 0x1234},
		{Gen: MaxGenID, Offset: MaxOffset},
	} {
		require.Equal(t, h, UnpackHandle(h.Pack()))
	}
	require.Equal(t, uint64(0x0002000000001234), Handle{Gen: 2, Offset: 0x1234}.Pack())
}

func TestHandleValidationAndString(t *testing.T) {
	require.True(t, NullHandle.IsNull())
	require.True(t, Handle{Gen: 3}.IsNull())
	require.EqualError(t, NullHandle.Validate(), "handle is null")
	require.EqualError(t, Handle{Offset: 64}.Validate(), "handle has no generation (0:0x40)")
	require.NoError(t, Handle{Gen: 3, Offset: 64}.Validate())

	require.Equal(t, "<null>", NullHandle.String())
	require.Equal(t, "3:0x40", Handle{Gen: 3, Offset: 64}.String())

	var h, err = ParseHandle("3:0x40")
	require.NoError(t, err)
	require.Equal(t, Handle{Gen: 3, Offset: 64}, h)

	_, err = ParseHandle("3")
	require.Error(t, err)
	_, err = ParseHandle("bad:0x40")
	require.Error(t, err)
}

func TestCompareHandles(t *testing.T) {
	var a, b, c = Handle{2, 100}, Handle{2, 200}, Handle{3, 50}

	require.Equal(t, -1, CompareHandles(a, b))
	require.Equal(t, 1, CompareHandles(b, a))
	require.Equal(t, -1, CompareHandles(b, c))
	require.Equal(t, 0, CompareHandles(c, c))
}

func TestErrorKinds(t *testing.T) {
	require.Equal(t, KindResource, KindOf(ErrStoreFull))
	require.Equal(t, KindArgument, KindOf(errors.WithMessage(ErrOrderIDPruned, "lookup")))
	require.Equal(t, KindArgument, KindOf(NewValidationError("bad")))
	require.Equal(t, KindConfig, KindOf(Errorf(KindConfig, "GranuleSize %d", 3)))
	require.Equal(t, KindUnknown, KindOf(errors.New("other")))
	require.Equal(t, KindUnknown, KindOf(nil))

	var err = errors.WithMessage(ErrStaleHandle, "resolving")
	require.True(t, errors.Cause(err) == ErrStaleHandle)
	require.Equal(t, "resolving: handle is stale or foreign", err.Error())
}

func TestRecordValidation(t *testing.T) {
	var rec = Record{Type: RecordMsg, Frags: [][]byte{[]byte("hello "), []byte("world")}}
	require.NoError(t, rec.Validate())
	require.Equal(t, 11, rec.DataLength())
	require.Equal(t, "hello world", string(rec.Data()))

	rec.Type = 0x99
	require.EqualError(t, rec.Validate(), "Type: invalid record type (0x99)")

	rec = Record{Type: RecordQueue, Frags: [][]byte{{}}}
	require.EqualError(t, rec.Validate(), "Frags[0] is empty")

	require.True(t, RecordQueue.IsOwner())
	require.True(t, RecordServer.IsMgmt())
	require.False(t, RecordMsg.IsMgmt())
	require.Equal(t, "SUBSC", RecordSubsc.String())

	require.Error(t, Reference{OrderID: 0}.Validate())
	require.Error(t, Reference{OrderID: 1, State: RefStateDeleted}.Validate())
	require.NoError(t, Reference{OrderID: 1, State: 3}.Validate())
}
