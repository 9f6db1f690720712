package mumble

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/mumble/protocol"
)

func (h *harness) addChannel(id uint32, name string) {
	h.deliver(&protocol.ChannelState{
		HasChannelID: true, ChannelID: id,
		HasParent: true, Parent: 0,
		HasName: true, Name: name,
	})
}

// tick runs one idle tick and returns only the state-changing
// messages it produced, with ping noise filtered out.
func (h *harness) tick() []protocol.Message {
	h.session.sent = nil
	h.idleTimer().fire()

	var out []protocol.Message
	for _, msg := range decodeFrames(h.t, h.session.sent) {
		if _, ok := msg.(*protocol.Ping); ok {
			continue
		}
		out = append(out, msg)
	}
	return out
}

func TestReconcilerQuiescentWhenStateMatches(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()

	// First tick settles the root-channel baseline.
	h.tick()

	for i := 0; i < 3; i++ {
		assert.Empty(t, h.tick(), "matched state must produce no wire traffic")
	}
}

func TestChannelMoveSendsSingleUserState(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addChannel(3, "squad")
	h.tick()

	h.client.SetChannel("squad")

	msgs := h.tick()
	require.Len(t, msgs, 1)
	move, ok := msgs[0].(*protocol.UserState)
	require.True(t, ok)
	assert.True(t, move.HasSession)
	assert.Equal(t, uint32(5), move.Session)
	assert.True(t, move.HasChannelID)
	assert.Equal(t, uint32(3), move.ChannelID)
}

func TestUnknownChannelRequestsTemporaryCreation(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.tick()

	h.client.SetChannel("party-4")

	msgs := h.tick()
	require.Len(t, msgs, 1)
	create, ok := msgs[0].(*protocol.ChannelState)
	require.True(t, ok)
	assert.False(t, create.HasChannelID, "ids are server-assigned")
	assert.True(t, create.HasParent)
	assert.Equal(t, uint32(0), create.Parent)
	assert.Equal(t, "party-4", create.Name)
	assert.True(t, create.HasTemporary)
	assert.True(t, create.Temporary)
}

func TestMoveRetriedUntilServerConfirms(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addChannel(3, "squad")
	h.tick()

	h.client.SetChannel("squad")
	require.Len(t, h.tick(), 1)

	// Not confirmed yet: the baseline re-anchors to the confirmed
	// channel and the move goes out again.
	require.Len(t, h.tick(), 1)

	// Confirmation stops the retries.
	h.deliver(&protocol.UserState{
		HasSession: true, Session: 5,
		HasChannelID: true, ChannelID: 3,
	})
	assert.Empty(t, h.tick())
}

func TestListenAddProducesAddOnlyMessage(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addChannel(2, "music")
	h.tick()

	h.client.AddListenChannel("music")

	msgs := h.tick()
	require.Len(t, msgs, 1)
	state, ok := msgs[0].(*protocol.UserState)
	require.True(t, ok)
	assert.Equal(t, []uint32{2}, state.ListeningChannelAdd)
	assert.Empty(t, state.ListeningChannelRemove)

	// Drift cleared: nothing further.
	assert.Empty(t, h.tick())
}

func TestListenRemoveProducesRemoveOnlyMessage(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addChannel(2, "music")
	h.tick()

	h.client.AddListenChannel("music")
	h.tick()

	h.client.RemoveListenChannel("music")

	msgs := h.tick()
	require.Len(t, msgs, 1)
	state, ok := msgs[0].(*protocol.UserState)
	require.True(t, ok)
	assert.Empty(t, state.ListeningChannelAdd)
	assert.Equal(t, []uint32{2}, state.ListeningChannelRemove)
}

func TestListenAddDeferredUntilChannelConfirmed(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.tick()

	h.client.AddListenChannel("music")
	assert.Empty(t, h.tick(), "unresolvable listen must wait, not error")

	h.addChannel(2, "music")
	msgs := h.tick()
	require.Len(t, msgs, 1)
	state, ok := msgs[0].(*protocol.UserState)
	require.True(t, ok)
	assert.Equal(t, []uint32{2}, state.ListeningChannelAdd)
}

func TestVoiceTargetResolvesUsersAndChannels(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addChannel(3, "squad")
	h.addUser(7, "Bob")
	h.tick()

	h.client.UpdateVoiceTarget(2, VoiceTargetConfig{
		Users:    []string{"Bob", "Nobody"},
		Channels: []string{"squad"},
	})

	msgs := h.tick()
	require.Len(t, msgs, 1)
	target, ok := msgs[0].(*protocol.VoiceTarget)
	require.True(t, ok)
	assert.Equal(t, uint32(2), target.ID)
	require.Len(t, target.Targets, 2)
	assert.Equal(t, []uint32{7}, target.Targets[0].Sessions)
	assert.True(t, target.Targets[1].HasChannelID)
	assert.Equal(t, uint32(3), target.Targets[1].ChannelID)

	// One-shot: the pending rule is consumed.
	assert.Empty(t, h.tick())
}

func TestVoiceTargetLastWriteWinsPerIndex(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.addUser(7, "Bob")
	h.addUser(8, "Carol")
	h.tick()

	h.client.UpdateVoiceTarget(1, VoiceTargetConfig{Users: []string{"Bob"}})
	h.client.UpdateVoiceTarget(1, VoiceTargetConfig{Users: []string{"Carol"}})

	msgs := h.tick()
	require.Len(t, msgs, 1)
	target, ok := msgs[0].(*protocol.VoiceTarget)
	require.True(t, ok)
	require.Len(t, target.Targets, 1)
	assert.Equal(t, []uint32{8}, target.Targets[0].Sessions)
}

func TestEmptyVoiceTargetStillClearsRule(t *testing.T) {
	h := newHarness(t)
	h.connect("Alice")
	h.sync()
	h.tick()

	h.client.UpdateVoiceTarget(3, VoiceTargetConfig{})

	msgs := h.tick()
	require.Len(t, msgs, 1)
	target, ok := msgs[0].(*protocol.VoiceTarget)
	require.True(t, ok)
	require.Len(t, target.Targets, 1)
	assert.Empty(t, target.Targets[0].Sessions)
	assert.False(t, target.Targets[0].HasChannelID)
}

func TestSetChannelIgnoredWhileDisconnected(t *testing.T) {
	h := newHarness(t)
	h.client.SetChannel("squad")

	h.connect("Alice")
	h.sync()
	h.tick()

	// The pre-connect request was dropped; only the root baseline
	// holds.
	assert.Empty(t, h.tick())
	assert.Equal(t, "Root", h.client.curManualChannel)
}
