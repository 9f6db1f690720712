package mumble

import (
	"sort"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/mumble/protocol"
)

// reconcileLocked pushes locally desired state toward the
// server-confirmed state: channel membership, the listen set, and
// pending voice-target rules. It runs on every idle tick while the
// session is active and sends nothing when there is no drift.
func (c *Client) reconcileLocked() {
	// Re-anchoring first means a server-confirmed move is recognized
	// before the drift check, ending the retry cycle.
	c.baselineChannelLocked()
	c.reconcileChannelLocked()
	c.reconcileListensLocked()
	c.reconcileTargetsLocked()
}

func (c *Client) reconcileChannelLocked() {
	if c.curManualChannel == c.lastManualChannel || len(c.server.channels) == 0 {
		return
	}
	c.lastManualChannel = c.curManualChannel

	if ch, ok := c.server.channelByName(c.curManualChannel); ok {
		logrus.WithFields(logrus.Fields{
			"function":   "reconcileChannelLocked",
			"channel":    c.curManualChannel,
			"channel_id": ch.ID,
		}).Debug("moving to channel")

		c.sendMessageLocked(&protocol.UserState{
			HasSession:   true,
			Session:      c.server.session,
			HasChannelID: true,
			ChannelID:    ch.ID,
		})
		return
	}

	// Unknown name: ask the server to create it as a temporary child
	// of the root. The move happens on a later tick once the new
	// channel shows up in the confirmed table.
	logrus.WithFields(logrus.Fields{
		"function": "reconcileChannelLocked",
		"channel":  c.curManualChannel,
	}).Debug("requesting temporary channel")

	c.sendMessageLocked(&protocol.ChannelState{
		HasParent:    true,
		Parent:       0,
		HasName:      true,
		Name:         c.curManualChannel,
		HasTemporary: true,
		Temporary:    true,
	})
}

func (c *Client) reconcileListensLocked() {
	var removeNames, addNames []string
	for name := range c.lastListens {
		if _, ok := c.curListens[name]; !ok {
			removeNames = append(removeNames, name)
		}
	}
	for name := range c.curListens {
		if _, ok := c.lastListens[name]; !ok {
			addNames = append(addNames, name)
		}
	}
	if len(removeNames) == 0 && len(addNames) == 0 {
		return
	}
	sort.Strings(removeNames)
	sort.Strings(addNames)

	var removeIDs, addIDs []uint32
	for _, name := range removeNames {
		if ch, ok := c.server.channelByName(name); ok {
			removeIDs = append(removeIDs, ch.ID)
		}
		// Forgotten even when unresolvable, or a stale name would
		// force a wire message on every tick.
		delete(c.lastListens, name)
	}
	for _, name := range addNames {
		ch, ok := c.server.channelByName(name)
		if !ok {
			// Not confirmed yet; retried next tick.
			continue
		}
		addIDs = append(addIDs, ch.ID)
		c.lastListens[name] = struct{}{}
	}

	if len(removeIDs) == 0 && len(addIDs) == 0 {
		return
	}

	logrus.WithFields(logrus.Fields{
		"function": "reconcileListensLocked",
		"add":      addIDs,
		"remove":   removeIDs,
	}).Debug("updating listen set")

	c.sendMessageLocked(&protocol.UserState{
		HasSession:             true,
		Session:                c.server.session,
		ListeningChannelAdd:    addIDs,
		ListeningChannelRemove: removeIDs,
	})
}

func (c *Client) reconcileTargetsLocked() {
	if len(c.pendingTargets) == 0 {
		return
	}

	indices := make([]int, 0, len(c.pendingTargets))
	for idx := range c.pendingTargets {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	for _, idx := range indices {
		config := c.pendingTargets[idx]

		var sessions []uint32
		for _, name := range config.Users {
			if session, ok := c.sessionByName(name); ok {
				sessions = append(sessions, session)
			}
		}

		// The user-session entry always leads, even when empty, so a
		// rule cleared of users actually clears on the server.
		targets := []protocol.VoiceTargetEntry{{Sessions: sessions}}
		for _, name := range config.Channels {
			if ch, ok := c.server.channelByName(name); ok {
				targets = append(targets, protocol.VoiceTargetEntry{
					HasChannelID: true,
					ChannelID:    ch.ID,
				})
			}
		}

		logrus.WithFields(logrus.Fields{
			"function": "reconcileTargetsLocked",
			"target":   idx,
			"users":    len(sessions),
			"channels": len(targets) - 1,
		}).Debug("configuring voice target")

		c.sendMessageLocked(&protocol.VoiceTarget{
			ID:      uint32(idx),
			Targets: targets,
		})
	}

	c.pendingTargets = make(map[int]VoiceTargetConfig)
}

// baselineChannelLocked re-anchors the last-known channel to whatever
// the server says we are actually in, so a server-side move does not
// get silently fought on the next tick.
func (c *Client) baselineChannelLocked() {
	u, ok := c.server.user(c.server.session)
	if !ok {
		return
	}
	ch, ok := c.server.channels[u.ChannelID]
	if !ok || ch.Name == "" {
		return
	}
	c.lastManualChannel = ch.Name
}

func (c *Client) sessionByName(name string) (uint32, bool) {
	for _, u := range c.server.users {
		if u.Name == name {
			return u.Session, true
		}
	}
	return 0, false
}
