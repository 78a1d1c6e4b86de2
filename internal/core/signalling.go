package core

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"time"

	"squawk/internal/audio"
	"squawk/internal/protocol"
)

// Signalling errors. Their texts go to clients verbatim as the message field
// of an error reply, and to admin callers as the error body.
var (
	ErrNotRegistered = errors.New("not registered")
	ErrEmptyName     = errors.New("name must not be empty")
	ErrChannelExists = errors.New("channel already exists")
	ErrNoSuchChannel = errors.New("no such channel")
	ErrNameInUse     = errors.New("name already in use in this channel")
	ErrNotOwner      = errors.New("not the channel owner")
	ErrInChannel     = errors.New("cannot register while in a channel")
	ErrNoSuchClient  = errors.New("no such client")
	ErrNotInChannel  = errors.New("client is not in a channel")
)

// Dispatch routes one decoded control message from a session to its handler
// and turns handler errors into error replies. Unknown types get an error
// reply naming the type; transports drop undecodable payloads before ever
// reaching here.
func (r *Registry) Dispatch(sessionID string, in protocol.Message) {
	r.metrics.CountSignal(in.Type)

	var err error
	switch in.Type {
	case protocol.TypeRegister:
		err = r.Register(sessionID, in.Name)
	case protocol.TypeCreateChannel:
		err = r.CreateChannel(sessionID, in.Channel)
	case protocol.TypeJoin:
		err = r.Join(sessionID, in.Channel)
	case protocol.TypeSwitch:
		err = r.Switch(sessionID, in.Channel)
	case protocol.TypeLeave:
		r.Leave(sessionID)
	case protocol.TypeCloseChannel:
		err = r.CloseChannel(sessionID, in.Channel)
	case protocol.TypeListChannels:
		r.ListChannels(sessionID)
	case protocol.TypeTalking:
		r.SetTalking(sessionID, in.Talking != nil && *in.Talking)
	case protocol.TypeMute:
		r.SetMuted(sessionID, in.Muted != nil && *in.Muted)
	case protocol.TypePing:
		r.Ping(sessionID, in.TS)
	default:
		r.sendTo(sessionID, protocol.Message{Type: protocol.TypeError, Message: "Unknown type: " + in.Type})
		return
	}
	if err != nil {
		r.sendTo(sessionID, protocol.Message{Type: protocol.TypeError, Message: err.Error()})
	}
}

// Register binds a display name to the session and replies with the current
// channel directory. An idle session may re-register to rename itself; a
// session inside a channel may not, since its membership is keyed by name.
func (r *Registry) Register(sessionID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return ErrEmptyName
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.channel != "" {
		return ErrInChannel
	}
	s.name = name
	r.sendLocked(s, protocol.Message{
		Type:     protocol.TypeRegistered,
		Name:     name,
		Channels: r.snapshotChannelsLocked(),
	})
	slog.Info("session registered", "session_id", sessionID, "name", name)
	return nil
}

// CreateChannel adds an empty channel owned by the requester and announces
// it to every registered session. The creator does not join.
func (r *Registry) CreateChannel(sessionID, channel string) error {
	channel = strings.TrimSpace(channel)

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.name == "" {
		return ErrNotRegistered
	}
	return r.createChannelLocked(channel, s.name)
}

func (r *Registry) createChannelLocked(channel, owner string) error {
	if channel == "" {
		return ErrEmptyName
	}
	if _, exists := r.channels[channel]; exists {
		return ErrChannelExists
	}
	r.channels[channel] = &channelState{
		name:    channel,
		owner:   owner,
		members: make(map[string]*membership),
	}
	r.broadcastRegisteredLocked(protocol.Message{
		Type:    protocol.TypeChannelCreated,
		Channel: channel,
		Owner:   owner,
	})
	r.broadcastRegisteredLocked(protocol.Message{
		Type:     protocol.TypeChannels,
		Channels: r.snapshotChannelsLocked(),
	})
	r.metrics.AddChannels(1)
	slog.Info("channel created", "channel", channel, "owner", owner)
	return nil
}

// Join puts the session into a channel. A session already in a channel is
// moved instead, with the same semantics as Switch.
func (r *Registry) Join(sessionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.name == "" {
		return ErrNotRegistered
	}
	if s.channel != "" {
		return r.switchLocked(s, channel)
	}
	return r.joinLocked(s, channel)
}

func (r *Registry) joinLocked(s *sessionState, channel string) error {
	ch, ok := r.channels[channel]
	if !ok {
		return ErrNoSuchChannel
	}
	if _, used := ch.members[s.name]; used {
		return ErrNameInUse
	}

	ch.members[s.name] = &membership{
		sess:  s,
		queue: audio.NewQueue(r.opts.QueueCap),
	}
	s.channel = channel
	if !ch.mixing {
		r.startMixerLocked(ch)
	}

	// The joiner's confirmation goes out before anyone hears about them.
	r.sendLocked(s, protocol.Message{
		Type:    protocol.TypeJoined,
		Channel: channel,
		Owner:   ch.owner,
		Users:   otherMemberNames(ch, s.name),
	})
	r.broadcastChannelLocked(ch, protocol.Message{
		Type:    protocol.TypeUserJoined,
		Name:    s.name,
		Channel: channel,
	}, s.name)
	r.broadcastRegisteredLocked(protocol.Message{
		Type:     protocol.TypeChannels,
		Channels: r.snapshotChannelsLocked(),
	})
	slog.Info("member joined", "name", s.name, "channel", channel, "members", len(ch.members))
	return nil
}

// Switch moves the session atomically from its current channel to another.
// The target is validated before the session is detached, so a failed
// switch leaves the current membership untouched.
func (r *Registry) Switch(sessionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	if s.name == "" {
		return ErrNotRegistered
	}
	if s.channel == "" {
		return r.joinLocked(s, channel)
	}
	return r.switchLocked(s, channel)
}

func (r *Registry) switchLocked(s *sessionState, target string) error {
	if target == s.channel {
		ch := r.channels[target]
		r.sendLocked(s, protocol.Message{
			Type:    protocol.TypeJoined,
			Channel: target,
			Owner:   ch.owner,
			Users:   otherMemberNames(ch, s.name),
		})
		return nil
	}
	tch, ok := r.channels[target]
	if !ok {
		return ErrNoSuchChannel
	}
	if _, used := tch.members[s.name]; used {
		return ErrNameInUse
	}

	r.detachLocked(s)

	tch.members[s.name] = &membership{
		sess:  s,
		queue: audio.NewQueue(r.opts.QueueCap),
	}
	s.channel = target
	if !tch.mixing {
		r.startMixerLocked(tch)
	}

	r.sendLocked(s, protocol.Message{
		Type:    protocol.TypeJoined,
		Channel: target,
		Owner:   tch.owner,
		Users:   otherMemberNames(tch, s.name),
	})
	r.broadcastChannelLocked(tch, protocol.Message{
		Type:    protocol.TypeUserJoined,
		Name:    s.name,
		Channel: target,
	}, s.name)
	r.broadcastRegisteredLocked(protocol.Message{
		Type:     protocol.TypeChannels,
		Channels: r.snapshotChannelsLocked(),
	})
	slog.Info("member switched", "name", s.name, "channel", target)
	return nil
}

// Leave detaches the session from its channel. Idle sessions still get the
// left confirmation, so a client can fire leave without tracking state.
func (r *Registry) Leave(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	old := s.channel
	r.sendLocked(s, protocol.Message{Type: protocol.TypeLeft, Channel: old})
	if r.detachLocked(s) != "" {
		r.broadcastRegisteredLocked(protocol.Message{
			Type:     protocol.TypeChannels,
			Channels: r.snapshotChannelsLocked(),
		})
	}
}

// CloseChannel removes a channel on behalf of its owner. Every member is
// detached with a channel_closed notice before the deletion is announced.
func (r *Registry) CloseChannel(sessionID, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return nil
	}
	ch, exists := r.channels[channel]
	if !exists {
		return ErrNoSuchChannel
	}
	if ch.owner != s.name {
		return ErrNotOwner
	}
	r.closeChannelLocked(ch)
	return nil
}

func (r *Registry) closeChannelLocked(ch *channelState) {
	for _, m := range ch.members {
		r.sendLocked(m.sess, protocol.Message{
			Type:    protocol.TypeChannelClosed,
			Channel: ch.name,
		})
		m.sess.channel = ""
	}
	ch.members = make(map[string]*membership)
	r.stopMixerLocked(ch)
	delete(r.channels, ch.name)

	r.broadcastRegisteredLocked(protocol.Message{
		Type:    protocol.TypeChannelDeleted,
		Channel: ch.name,
	})
	r.broadcastRegisteredLocked(protocol.Message{
		Type:     protocol.TypeChannels,
		Channels: r.snapshotChannelsLocked(),
	})
	r.metrics.AddChannels(-1)
	slog.Info("channel closed", "channel", ch.name, "owner", ch.owner)
}

// ListChannels replies with the current channel directory. Read-only, so it
// answers unregistered sessions too.
func (r *Registry) ListChannels(sessionID string) {
	r.mu.RLock()
	snapshot := r.snapshotChannelsLocked()
	r.mu.RUnlock()
	r.sendTo(sessionID, protocol.Message{Type: protocol.TypeChannels, Channels: snapshot})
}

// SetTalking flips the session's push-to-talk flag and tells the rest of the
// channel. Ignored for sessions outside a channel.
func (r *Registry) SetTalking(sessionID string, talking bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, m := r.memberLocked(sessionID)
	if m == nil {
		return
	}
	m.talking = talking
	r.broadcastChannelLocked(r.channels[s.channel], protocol.Message{
		Type:    protocol.TypeTalking,
		Name:    s.name,
		Talking: protocol.Bool(talking),
	}, s.name)
}

// SetMuted flips the session's own mute flag and confirms it back. Ignored
// for sessions outside a channel.
func (r *Registry) SetMuted(sessionID string, muted bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, m := r.memberLocked(sessionID)
	if m == nil {
		return
	}
	m.muted = muted
	r.sendLocked(m.sess, protocol.Message{
		Type:  protocol.TypeMuted,
		Muted: protocol.Bool(muted),
	})
}

// Ping refreshes the session's liveness deadline and echoes the client
// timestamp back.
func (r *Registry) Ping(sessionID string, ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[sessionID]
	if !ok {
		return
	}
	s.lastPing = time.Now()
	r.sendLocked(s, protocol.Message{Type: protocol.TypePong, TS: ts})
}

// memberLocked resolves a session to its membership record, nil when the
// session is gone or idle. Must hold the lock.
func (r *Registry) memberLocked(sessionID string) (*sessionState, *membership) {
	s, ok := r.sessions[sessionID]
	if !ok || s.channel == "" {
		return s, nil
	}
	ch, ok := r.channels[s.channel]
	if !ok {
		return s, nil
	}
	m, ok := ch.members[s.name]
	if !ok || m.sess != s {
		return s, nil
	}
	return s, m
}

func otherMemberNames(ch *channelState, except string) []string {
	names := make([]string, 0, len(ch.members))
	for name := range ch.members {
		if name == except {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
