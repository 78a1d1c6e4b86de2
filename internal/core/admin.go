package core

import (
	"log/slog"
	"sort"
	"strings"

	"squawk/internal/protocol"
)

// ClientInfo is one session row in the admin snapshot. Sessions that have
// not registered yet show an empty name.
type ClientInfo struct {
	Name      string `json:"name"`
	Channel   string `json:"channel"`
	Muted     bool   `json:"muted"`
	Talking   bool   `json:"talking"`
	QueueSize int    `json:"queue_size"`
}

// ChannelInfo is one channel row in the admin snapshot.
type ChannelInfo struct {
	Name      string   `json:"name"`
	Owner     string   `json:"owner"`
	UserCount int      `json:"user_count"`
	Users     []string `json:"users"`
}

// Snapshot is the full state dump served to admins. Uptime is whole seconds.
type Snapshot struct {
	Uptime   int64         `json:"uptime"`
	Clients  []ClientInfo  `json:"clients"`
	Channels []ChannelInfo `json:"channels"`
}

// Snapshot returns a point-in-time copy of every session and channel,
// sorted for stable output.
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{
		Uptime:   int64(r.Uptime().Seconds()),
		Clients:  make([]ClientInfo, 0, len(r.sessions)),
		Channels: make([]ChannelInfo, 0, len(r.channels)),
	}
	for _, s := range r.sessions {
		info := ClientInfo{Name: s.name, Channel: s.channel}
		if s.channel != "" {
			if ch, ok := r.channels[s.channel]; ok {
				if m, ok := ch.members[s.name]; ok && m.sess == s {
					info.Muted = m.muted
					info.Talking = m.talking
					info.QueueSize = m.queue.Len()
				}
			}
		}
		snap.Clients = append(snap.Clients, info)
	}
	sort.Slice(snap.Clients, func(i, j int) bool {
		if snap.Clients[i].Name != snap.Clients[j].Name {
			return snap.Clients[i].Name < snap.Clients[j].Name
		}
		return snap.Clients[i].Channel < snap.Clients[j].Channel
	})

	for _, ch := range r.channels {
		users := make([]string, 0, len(ch.members))
		for name := range ch.members {
			users = append(users, name)
		}
		sort.Strings(users)
		snap.Channels = append(snap.Channels, ChannelInfo{
			Name:      ch.name,
			Owner:     ch.owner,
			UserCount: len(users),
			Users:     users,
		})
	}
	sort.Slice(snap.Channels, func(i, j int) bool { return snap.Channels[i].Name < snap.Channels[j].Name })
	return snap
}

// AdminCreateChannel creates a channel owned by the admin sentinel and
// announces it like any other creation.
func (r *Registry) AdminCreateChannel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.createChannelLocked(strings.TrimSpace(name), protocol.SourceAdmin)
}

// AdminDeleteChannel removes any channel regardless of owner, detaching its
// members the same way an owner close does.
func (r *Registry) AdminDeleteChannel(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ch, ok := r.channels[name]
	if !ok {
		return ErrNoSuchChannel
	}
	r.closeChannelLocked(ch)
	return nil
}

// AdminForceJoin moves the named client into a channel, joining when idle
// and switching otherwise. The client finds out from its joined reply.
func (r *Registry) AdminForceJoin(name, channel string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByNameLocked(name)
	if s == nil {
		return ErrNoSuchClient
	}
	var err error
	if s.channel == "" {
		err = r.joinLocked(s, channel)
	} else {
		err = r.switchLocked(s, channel)
	}
	if err == nil {
		slog.Info("admin force join", "name", name, "channel", channel)
	}
	return err
}

// AdminForceLeave detaches the named client from its channel. A client that
// is already idle still gets the left confirmation.
func (r *Registry) AdminForceLeave(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByNameLocked(name)
	if s == nil {
		return ErrNoSuchClient
	}
	r.sendLocked(s, protocol.Message{Type: protocol.TypeLeft, Channel: s.channel})
	if r.detachLocked(s) != "" {
		r.broadcastRegisteredLocked(protocol.Message{
			Type:     protocol.TypeChannels,
			Channels: r.snapshotChannelsLocked(),
		})
	}
	slog.Info("admin force leave", "name", name)
	return nil
}

// AdminForceMute sets the named client's mute flag. The confirmation pushed
// to the client carries source "admin" so its UI can tell it was not local.
func (r *Registry) AdminForceMute(name string, muted bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByNameLocked(name)
	if s == nil {
		return ErrNoSuchClient
	}
	_, m := r.memberLocked(s.id)
	if m == nil {
		return ErrNotInChannel
	}
	m.muted = muted
	r.sendLocked(s, protocol.Message{
		Type:   protocol.TypeMuted,
		Muted:  protocol.Bool(muted),
		Source: protocol.SourceAdmin,
	})
	slog.Info("admin force mute", "name", name, "muted", muted)
	return nil
}

// AdminKick tells the named client it is being disconnected, detaches it and
// closes its transport.
func (r *Registry) AdminKick(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.findByNameLocked(name)
	if s == nil {
		return ErrNoSuchClient
	}
	r.sendLocked(s, protocol.Message{
		Type:    protocol.TypeKicked,
		Message: "Disconnected by an administrator",
	})
	if r.detachLocked(s) != "" {
		r.broadcastRegisteredLocked(protocol.Message{
			Type:     protocol.TypeChannels,
			Channels: r.snapshotChannelsLocked(),
		})
	}
	delete(r.sessions, s.id)
	close(s.send)

	r.metrics.AddSessions(-1)
	slog.Info("admin kick", "name", name, "session_id", s.id)
	return nil
}
