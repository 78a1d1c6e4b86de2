package core

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"squawk/internal/audio"
	"squawk/internal/observe"
	"squawk/internal/protocol"
)

// Options carries the tuning knobs of the relay core. The zero value is
// filled with the production defaults; tests shorten the timing fields.
type Options struct {
	// TickInterval is the mixer cadence. One PCM frame covers exactly one
	// tick, so changing this without changing the frame format desyncs
	// playout.
	TickInterval time.Duration

	// QueueCap bounds each member's inbound frame queue.
	QueueCap int

	// JitterFloor is the minimum queue depth before a member counts as a
	// speaker for a tick.
	JitterFloor int

	// SendBuffer and AudioBuffer size the per-session outbound channels.
	SendBuffer  int
	AudioBuffer int

	// PingDeadline is the maximum silence before the watchdog evicts a
	// session; SweepInterval is how often it looks.
	PingDeadline  time.Duration
	SweepInterval time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		TickInterval:  audio.FrameDuration * time.Millisecond,
		QueueCap:      audio.QueueCap,
		JitterFloor:   2,
		SendBuffer:    64,
		AudioBuffer:   8,
		PingDeadline:  25 * time.Second,
		SweepInterval: 5 * time.Second,
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.TickInterval <= 0 {
		o.TickInterval = def.TickInterval
	}
	if o.QueueCap <= 0 {
		o.QueueCap = def.QueueCap
	}
	if o.JitterFloor <= 0 {
		o.JitterFloor = def.JitterFloor
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = def.SendBuffer
	}
	if o.AudioBuffer <= 0 {
		o.AudioBuffer = def.AudioBuffer
	}
	if o.PingDeadline <= 0 {
		o.PingDeadline = def.PingDeadline
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = def.SweepInterval
	}
	return o
}

// Session is the transport-facing handle for one connection. The transport
// owns the network side: it drains Send (control JSON) and Audio (mixed PCM
// frames) from a single writer goroutine and closes the connection when Send
// is closed by the registry.
type Session struct {
	ID    string
	Send  chan protocol.Message
	Audio chan []byte
}

type sessionState struct {
	id          string
	name        string // "" until register
	channel     string // "" while idle
	connectedAt time.Time
	lastPing    time.Time
	send        chan protocol.Message
	audio       chan []byte
}

type membership struct {
	sess    *sessionState
	queue   *audio.Queue
	talking bool
	muted   bool
}

type channelState struct {
	name    string
	owner   string // never reassigned after creation
	members map[string]*membership
	mixing  bool
	stop    chan struct{}
}

// Registry is the single steward of all relay state: the session table, the
// channel registry, and every membership. All mutation — signalling
// handlers, mixer ticks, watchdog sweeps, admin calls — happens under its
// lock; nothing under the lock blocks. Outbound messages are enqueued to the
// per-session buffers with non-blocking sends and dropped when a buffer is
// full, so a slow client can never stall the mixer or another handler.
type Registry struct {
	mu       sync.RWMutex
	opts     Options
	sessions map[string]*sessionState
	channels map[string]*channelState

	startedAt time.Time
	metrics   *observe.Metrics

	// Windowed counters for the periodic stats log, reset on each Stats call.
	framesIn    atomic.Uint64
	framesMixed atomic.Uint64
	bytesIn     atomic.Uint64
}

// NewRegistry returns an empty registry using opts (zero fields filled with
// defaults).
func NewRegistry(opts Options) *Registry {
	return &Registry{
		opts:      opts.withDefaults(),
		sessions:  make(map[string]*sessionState),
		channels:  make(map[string]*channelState),
		startedAt: time.Now(),
		metrics:   observe.DefaultMetrics(),
	}
}

// Options returns the effective options.
func (r *Registry) Options() Options {
	return r.opts
}

// AddSession creates an unregistered session for a new connection and
// returns its transport handle.
func (r *Registry) AddSession() *Session {
	now := time.Now()
	s := &sessionState{
		id:          uuid.NewString(),
		connectedAt: now,
		lastPing:    now,
		send:        make(chan protocol.Message, r.opts.SendBuffer),
		audio:       make(chan []byte, r.opts.AudioBuffer),
	}

	r.mu.Lock()
	r.sessions[s.id] = s
	total := len(r.sessions)
	r.mu.Unlock()

	r.metrics.AddSessions(1)
	slog.Info("session connected", "session_id", s.id, "total_sessions", total)
	return &Session{ID: s.id, Send: s.send, Audio: s.audio}
}

// Disconnect tears a session down: membership detached (with the user_left
// and channels broadcasts), session removed, send channel closed so the
// transport writer exits. Safe to call more than once; the watchdog and the
// transport's own close path race here by design.
func (r *Registry) Disconnect(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	if old := r.detachLocked(s); old != "" {
		r.broadcastRegisteredLocked(protocol.Message{Type: protocol.TypeChannels, Channels: r.snapshotChannelsLocked()})
	}
	delete(r.sessions, id)
	close(s.send)
	remaining := len(r.sessions)
	r.mu.Unlock()

	r.metrics.AddSessions(-1)
	slog.Info("session disconnected", "session_id", id, "name", s.name, "remaining_sessions", remaining)
}

// SessionCount returns the number of live sessions.
func (r *Registry) SessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// MixerRunning reports whether the named channel currently has a mixer task.
func (r *Registry) MixerRunning(channel string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ch, ok := r.channels[channel]
	return ok && ch.mixing
}

// ChannelList returns the current channel snapshot, sorted by name.
func (r *Registry) ChannelList() []protocol.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotChannelsLocked()
}

// detachLocked removes s from its channel, notifies the remaining members
// and stops the mixer when the channel empties. Returns the channel the
// session was detached from, or "".
func (r *Registry) detachLocked(s *sessionState) string {
	if s.channel == "" {
		return ""
	}
	old := s.channel
	s.channel = ""

	ch, ok := r.channels[old]
	if !ok {
		return ""
	}
	m, ok := ch.members[s.name]
	if !ok || m.sess != s {
		return ""
	}
	delete(ch.members, s.name)
	if len(ch.members) == 0 {
		r.stopMixerLocked(ch)
	}
	r.broadcastChannelLocked(ch, protocol.Message{
		Type:    protocol.TypeUserLeft,
		Name:    s.name,
		Channel: old,
	}, "")
	slog.Debug("member detached", "name", s.name, "channel", old, "remaining_members", len(ch.members))
	return old
}

func (r *Registry) snapshotChannelsLocked() []protocol.Channel {
	out := make([]protocol.Channel, 0, len(r.channels))
	for _, ch := range r.channels {
		users := make([]string, 0, len(ch.members))
		for name := range ch.members {
			users = append(users, name)
		}
		sort.Strings(users)
		out = append(out, protocol.Channel{Name: ch.name, Owner: ch.owner, Users: users})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// findByNameLocked returns the oldest session registered under name, so
// admin lookups stay deterministic when names collide across channels.
func (r *Registry) findByNameLocked(name string) *sessionState {
	var found *sessionState
	for _, s := range r.sessions {
		if s.name != name {
			continue
		}
		if found == nil ||
			s.connectedAt.Before(found.connectedAt) ||
			(s.connectedAt.Equal(found.connectedAt) && s.id < found.id) {
			found = s
		}
	}
	return found
}

// sendLocked enqueues one control message for a session. Must hold the lock.
func (r *Registry) sendLocked(s *sessionState, msg protocol.Message) {
	if !trySend(s.send, msg) {
		slog.Warn("control send dropped", "session_id", s.id, "type", msg.Type)
	}
}

// broadcastChannelLocked enqueues msg for every member of ch except the
// named one. Must hold the lock.
func (r *Registry) broadcastChannelLocked(ch *channelState, msg protocol.Message, exceptName string) {
	for name, m := range ch.members {
		if exceptName != "" && name == exceptName {
			continue
		}
		r.sendLocked(m.sess, msg)
	}
}

// broadcastRegisteredLocked enqueues msg for every registered session.
// Must hold the lock.
func (r *Registry) broadcastRegisteredLocked(msg protocol.Message) {
	for _, s := range r.sessions {
		if s.name == "" {
			continue
		}
		r.sendLocked(s, msg)
	}
}

// sendTo enqueues one control message for a session by ID.
func (r *Registry) sendTo(id string, msg protocol.Message) {
	r.mu.RLock()
	s, ok := r.sessions[id]
	r.mu.RUnlock()
	if ok {
		if !trySend(s.send, msg) {
			slog.Warn("control send dropped", "session_id", id, "type", msg.Type)
		}
	}
}

func trySend(ch chan protocol.Message, msg protocol.Message) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- msg:
		return true
	default:
		return false
	}
}

func trySendAudio(ch chan []byte, frame []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()

	select {
	case ch <- frame:
		return true
	default:
		return false
	}
}

// Stats is a windowed counter snapshot for the periodic stats log.
type Stats struct {
	FramesIn    uint64
	FramesMixed uint64
	BytesIn     uint64
	Sessions    int
	Channels    int
}

// Stats returns the frame counters accumulated since the previous call and
// the current session/channel counts.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	sessions := len(r.sessions)
	channels := len(r.channels)
	r.mu.RUnlock()

	return Stats{
		FramesIn:    r.framesIn.Swap(0),
		FramesMixed: r.framesMixed.Swap(0),
		BytesIn:     r.bytesIn.Swap(0),
		Sessions:    sessions,
		Channels:    channels,
	}
}

// Uptime returns the time since the registry was created.
func (r *Registry) Uptime() time.Duration {
	return time.Since(r.startedAt)
}
