package mumble

import (
	"github.com/opd-ai/mumble/protocol"
	"github.com/sirupsen/logrus"
)

// Channel is a server-confirmed channel descriptor. Ids are always
// server-assigned; the client only ever invents names.
type Channel struct {
	ID        uint32
	Parent    uint32
	Name      string
	Temporary bool
}

// User is a server-confirmed user descriptor.
type User struct {
	Session   uint32
	Name      string
	ServerID  uint32
	ChannelID uint32
}

// serverState holds the server-confirmed tables for one connection.
// It is owned by the Client and only touched under the client mutex.
type serverState struct {
	username string
	session  uint32

	channels map[uint32]Channel
	users    map[uint32]User
}

func newServerState() *serverState {
	return &serverState{
		channels: make(map[uint32]Channel),
		users:    make(map[uint32]User),
	}
}

// reset clears everything for a fresh connection attempt, keeping
// the chosen username.
func (s *serverState) reset() {
	s.session = 0
	s.channels = make(map[uint32]Channel)
	s.users = make(map[uint32]User)
}

// channelByName finds the first exact, case-sensitive name match.
func (s *serverState) channelByName(name string) (Channel, bool) {
	for _, ch := range s.channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

func (s *serverState) user(session uint32) (User, bool) {
	u, ok := s.users[session]
	return u, ok
}

func (s *serverState) applyChannelState(msg *protocol.ChannelState) {
	if !msg.HasChannelID {
		return
	}

	ch := s.channels[msg.ChannelID]
	ch.ID = msg.ChannelID
	if msg.HasParent {
		ch.Parent = msg.Parent
	}
	if msg.HasName {
		ch.Name = msg.Name
	}
	if msg.HasTemporary {
		ch.Temporary = msg.Temporary
	}
	s.channels[msg.ChannelID] = ch

	logrus.WithFields(logrus.Fields{
		"function":   "applyChannelState",
		"channel_id": ch.ID,
		"name":       ch.Name,
	}).Debug("channel state updated")
}

func (s *serverState) applyChannelRemove(msg *protocol.ChannelRemove) {
	delete(s.channels, msg.ChannelID)
}

func (s *serverState) applyUserState(msg *protocol.UserState) {
	if !msg.HasSession {
		return
	}

	u := s.users[msg.Session]
	u.Session = msg.Session
	if msg.HasName {
		u.Name = msg.Name
	}
	if msg.HasChannelID {
		u.ChannelID = msg.ChannelID
	}
	if msg.HasUserID {
		u.ServerID = msg.UserID
	}
	s.users[msg.Session] = u

	logrus.WithFields(logrus.Fields{
		"function": "applyUserState",
		"session":  u.Session,
		"name":     u.Name,
	}).Debug("user state updated")
}

func (s *serverState) applyUserRemove(msg *protocol.UserRemove) {
	delete(s.users, msg.Session)
}
