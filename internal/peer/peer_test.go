package peer_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jvs-project/replvol/internal/peer"
	"github.com/jvs-project/replvol/pkg/model"
)

func TestNop(t *testing.T) {
	var l peer.Link = peer.Nop{}
	assert.Equal(t, model.SSCWNoNeed, l.RequestStateChange(context.Background(), 0, model.NewDelta()))
	assert.Zero(t, l.AgreedProtocol())
	assert.NoError(t, l.SendState(0, model.State{}))
}

func TestRecorder(t *testing.T) {
	r := peer.NewRecorder()
	var l peer.Link = r

	assert.Equal(t, model.SSCWSuccess, l.RequestStateChange(context.Background(), 1, model.NewDelta().WithRole(model.RolePrimary)))

	r.Decide = func(int, model.Delta) model.StateResult { return model.SSCWFailedByPeer }
	assert.Equal(t, model.SSCWFailedByPeer, l.RequestStateChange(context.Background(), 1, model.NewDelta()))

	_ = l.SendUUIDs(1, [model.UISize]uint64{}, true)
	_ = l.SendSizes(1, peer.Sizes{Current: 10})
	_ = l.SendSyncParams(1, nil, nil)
	l.StopReceiver()

	assert.Equal(t, []string{"request-state", "request-state", "uuids-skip-initial-sync", "sizes", "sync-params", "stop-receiver"}, r.Ops())
	assert.Equal(t, 2, r.Count("request-state"))
	assert.Equal(t, peer.LatestProtocol, l.AgreedProtocol())
}
