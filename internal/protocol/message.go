package protocol

// Message types used by the signalling protocol. Binary transport frames
// carry raw PCM audio and never appear here.
const (
	TypeRegister      = "register"
	TypeCreateChannel = "create_channel"
	TypeJoin          = "join"
	TypeSwitch        = "switch"
	TypeLeave         = "leave"
	TypeCloseChannel  = "close_channel"
	TypeListChannels  = "list_channels"
	TypeTalking       = "talking"
	TypeMute          = "mute"
	TypePing          = "ping"

	TypeRegistered     = "registered"
	TypeJoined         = "joined"
	TypeLeft           = "left"
	TypeUserJoined     = "user_joined"
	TypeUserLeft       = "user_left"
	TypeChannelCreated = "channel_created"
	TypeChannelDeleted = "channel_deleted"
	TypeChannelClosed  = "channel_closed"
	TypeChannels       = "channels"
	TypeMuted          = "muted"
	TypeKicked         = "kicked"
	TypeError          = "error"
	TypePong           = "pong"
)

// SourceAdmin marks server-initiated notifications that were triggered
// through the admin surface rather than by the client's own request.
const SourceAdmin = "admin"

// Message is the JSON control envelope exchanged over the signalling
// transport. One flat struct covers every message type; unused fields are
// omitted on the wire.
type Message struct {
	Type     string    `json:"type"`
	Name     string    `json:"name,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Owner    string    `json:"owner,omitempty"`
	Users    []string  `json:"users,omitempty"`
	Channels []Channel `json:"channels,omitempty"`
	Talking  *bool     `json:"talking,omitempty"`
	Muted    *bool     `json:"muted,omitempty"`
	Message  string    `json:"message,omitempty"`
	Source   string    `json:"source,omitempty"`
	TS       int64     `json:"ts,omitempty"`
}

// Channel is a snapshot of one channel, used in channels lists and the
// registered reply.
type Channel struct {
	Name  string   `json:"name"`
	Owner string   `json:"owner"`
	Users []string `json:"users"`
}

// Bool returns a pointer to b, for filling the optional flag fields.
func Bool(b bool) *bool {
	v := b
	return &v
}
