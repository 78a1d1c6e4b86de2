package core

import (
	"errors"
	"testing"

	"squawk/internal/protocol"
)

// The canonical first-contact flow: register, create a channel, join it.
// Reply order is part of the protocol contract.
func TestRegisterCreateJoinSequence(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := r.AddSession()

	if err := r.Register(alice.ID, "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	reg := recvNext(t, alice)
	if reg.Type != protocol.TypeRegistered || reg.Name != "alice" {
		t.Fatalf("unexpected register reply: %#v", reg)
	}
	if len(reg.Channels) != 0 {
		t.Fatalf("fresh relay advertised channels: %#v", reg.Channels)
	}

	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	created := recvNext(t, alice)
	if created.Type != protocol.TypeChannelCreated || created.Channel != "ops" || created.Owner != "alice" {
		t.Fatalf("unexpected channel_created: %#v", created)
	}
	dir := recvNext(t, alice)
	if dir.Type != protocol.TypeChannels || len(dir.Channels) != 1 || len(dir.Channels[0].Users) != 0 {
		t.Fatalf("creator must not be a member: %#v", dir)
	}

	if err := r.Join(alice.ID, "ops"); err != nil {
		t.Fatalf("join: %v", err)
	}
	joined := recvNext(t, alice)
	if joined.Type != protocol.TypeJoined || joined.Channel != "ops" || joined.Owner != "alice" {
		t.Fatalf("unexpected joined: %#v", joined)
	}
	if len(joined.Users) != 0 {
		t.Fatalf("first member must see an empty roster, got %v", joined.Users)
	}
	dir = recvNext(t, alice)
	if dir.Type != protocol.TypeChannels || len(dir.Channels[0].Users) != 1 || dir.Channels[0].Users[0] != "alice" {
		t.Fatalf("unexpected directory after join: %#v", dir)
	}
	assertNone(t, alice)
}

func TestRegisterTrimsAndRejectsEmpty(t *testing.T) {
	r := NewRegistry(quietOptions())
	s := r.AddSession()

	if err := r.Register(s.ID, "  alice  "); err != nil {
		t.Fatalf("register: %v", err)
	}
	if msg := recvType(t, s, protocol.TypeRegistered); msg.Name != "alice" {
		t.Fatalf("name not trimmed: %q", msg.Name)
	}

	other := r.AddSession()
	r.Dispatch(other.ID, protocol.Message{Type: protocol.TypeRegister, Name: "   "})
	errMsg := recvType(t, other, protocol.TypeError)
	if errMsg.Message != "name must not be empty" {
		t.Fatalf("unexpected error text: %q", errMsg.Message)
	}
}

func TestRegisterRenamesIdleSession(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")

	if err := r.Register(alice.ID, "alicia"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	if msg := recvType(t, alice, protocol.TypeRegistered); msg.Name != "alicia" {
		t.Fatalf("unexpected rename reply: %#v", msg)
	}

	snap := r.Snapshot()
	if len(snap.Clients) != 1 || snap.Clients[0].Name != "alicia" {
		t.Fatalf("rename did not stick: %#v", snap.Clients)
	}
}

func TestRegisterRejectedInsideChannel(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")

	err := r.Register(alice.ID, "impostor")
	if !errors.Is(err, ErrInChannel) {
		t.Fatalf("err = %v, want ErrInChannel", err)
	}

	r.Dispatch(alice.ID, protocol.Message{Type: protocol.TypeRegister, Name: "impostor"})
	if msg := recvType(t, alice, protocol.TypeError); msg.Message != "cannot register while in a channel" {
		t.Fatalf("unexpected error text: %q", msg.Message)
	}
}

func TestCreateChannelValidation(t *testing.T) {
	r := NewRegistry(quietOptions())

	raw := r.AddSession()
	if err := r.CreateChannel(raw.ID, "ops"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered create: err = %v, want ErrNotRegistered", err)
	}

	alice := addRegistered(t, r, "alice")
	if err := r.CreateChannel(alice.ID, "   "); !errors.Is(err, ErrEmptyName) {
		t.Fatalf("blank name: err = %v, want ErrEmptyName", err)
	}
	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.CreateChannel(alice.ID, "ops"); !errors.Is(err, ErrChannelExists) {
		t.Fatalf("duplicate: err = %v, want ErrChannelExists", err)
	}
	if got := len(r.ChannelList()); got != 1 {
		t.Fatalf("channel count = %d, want 1", got)
	}
}

func TestCreateChannelAnnouncedToRegisteredOnly(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	bob := addRegistered(t, r, "bob")
	raw := r.AddSession()

	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}

	for _, s := range []*Session{alice, bob} {
		created := recvType(t, s, protocol.TypeChannelCreated)
		if created.Channel != "ops" || created.Owner != "alice" {
			t.Fatalf("unexpected channel_created: %#v", created)
		}
		recvType(t, s, protocol.TypeChannels)
	}
	assertNone(t, raw)
}

func TestJoinHappyPath(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")
	bob := addRegistered(t, r, "bob")

	if err := r.Join(bob.ID, "ops"); err != nil {
		t.Fatalf("join: %v", err)
	}

	joined := recvNext(t, bob)
	if joined.Type != protocol.TypeJoined || joined.Channel != "ops" || joined.Owner != "alice" {
		t.Fatalf("unexpected joined: %#v", joined)
	}
	if len(joined.Users) != 1 || joined.Users[0] != "alice" {
		t.Fatalf("roster must list the others only: %v", joined.Users)
	}
	recvType(t, bob, protocol.TypeChannels)

	uj := recvNext(t, alice)
	if uj.Type != protocol.TypeUserJoined || uj.Name != "bob" || uj.Channel != "ops" {
		t.Fatalf("unexpected user_joined: %#v", uj)
	}
	recvType(t, alice, protocol.TypeChannels)
}

func TestJoinValidation(t *testing.T) {
	r := NewRegistry(quietOptions())

	raw := r.AddSession()
	if err := r.Join(raw.ID, "ops"); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("unregistered join: err = %v, want ErrNotRegistered", err)
	}

	alice := addRegistered(t, r, "alice")
	if err := r.Join(alice.ID, "void"); !errors.Is(err, ErrNoSuchChannel) {
		t.Fatalf("missing channel: err = %v, want ErrNoSuchChannel", err)
	}
}

func TestJoinRejectsDuplicateNameInChannel(t *testing.T) {
	r := NewRegistry(quietOptions())
	addMember(t, r, "dup", "ops")

	second := addRegistered(t, r, "dup")
	if err := r.Join(second.ID, "ops"); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("err = %v, want ErrNameInUse", err)
	}

	snap := r.Snapshot()
	for _, c := range snap.Clients {
		if c.Channel == "" {
			return
		}
	}
	t.Fatalf("second session must stay idle: %#v", snap.Clients)
}

func TestJoinWhileInChannelSwitches(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "one")
	bob := addMember(t, r, "bob", "one")
	if err := r.CreateChannel(alice.ID, "two"); err != nil {
		t.Fatalf("create two: %v", err)
	}
	drain(alice)
	drain(bob)

	if err := r.Join(alice.ID, "two"); err != nil {
		t.Fatalf("join-as-switch: %v", err)
	}

	joined := recvType(t, alice, protocol.TypeJoined)
	if joined.Channel != "two" {
		t.Fatalf("unexpected joined: %#v", joined)
	}
	left := recvType(t, bob, protocol.TypeUserLeft)
	if left.Name != "alice" || left.Channel != "one" {
		t.Fatalf("unexpected user_left: %#v", left)
	}

	snap := r.Snapshot()
	if snap.Clients[0].Name != "alice" || snap.Clients[0].Channel != "two" {
		t.Fatalf("membership not moved: %#v", snap.Clients)
	}
}

func TestLeaveConfirmsThenNotifies(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")
	bob := addMember(t, r, "bob", "ops")
	drain(alice)

	r.Leave(alice.ID)

	left := recvNext(t, alice)
	if left.Type != protocol.TypeLeft || left.Channel != "ops" {
		t.Fatalf("unexpected left: %#v", left)
	}
	recvType(t, alice, protocol.TypeChannels)

	ul := recvType(t, bob, protocol.TypeUserLeft)
	if ul.Name != "alice" || ul.Channel != "ops" {
		t.Fatalf("unexpected user_left: %#v", ul)
	}

	snap := r.Snapshot()
	if snap.Clients[0].Channel != "" {
		t.Fatalf("leaver still in a channel: %#v", snap.Clients[0])
	}
}

func TestLeaveWhileIdleStillConfirms(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	bob := addRegistered(t, r, "bob")

	r.Leave(alice.ID)
	r.Leave(alice.ID)

	for i := 0; i < 2; i++ {
		left := recvNext(t, alice)
		if left.Type != protocol.TypeLeft || left.Channel != "" {
			t.Fatalf("unexpected left reply %d: %#v", i, left)
		}
	}
	assertNone(t, alice)
	assertNone(t, bob)
}

func TestSwitchMovesBetweenChannels(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "src")
	bob := addMember(t, r, "bob", "src")
	carol := addMember(t, r, "carol", "dst")
	drain(alice)
	drain(bob)
	drain(carol)

	if err := r.Switch(alice.ID, "dst"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	joined := recvType(t, alice, protocol.TypeJoined)
	if joined.Channel != "dst" || len(joined.Users) != 1 || joined.Users[0] != "carol" {
		t.Fatalf("unexpected joined: %#v", joined)
	}
	if ul := recvType(t, bob, protocol.TypeUserLeft); ul.Name != "alice" || ul.Channel != "src" {
		t.Fatalf("unexpected user_left: %#v", ul)
	}
	if uj := recvType(t, carol, protocol.TypeUserJoined); uj.Name != "alice" || uj.Channel != "dst" {
		t.Fatalf("unexpected user_joined: %#v", uj)
	}

	snap := r.Snapshot()
	if snap.Clients[0].Name != "alice" || snap.Clients[0].Channel != "dst" {
		t.Fatalf("membership not moved: %#v", snap.Clients)
	}
}

// Switching to the current channel refreshes the joined reply and stays
// silent otherwise: no user_joined, no user_left, no directory broadcast.
func TestSwitchToSameChannelIsQuiet(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")
	bob := addMember(t, r, "bob", "ops")
	drain(alice)

	if err := r.Switch(alice.ID, "ops"); err != nil {
		t.Fatalf("switch: %v", err)
	}

	joined := recvNext(t, alice)
	if joined.Type != protocol.TypeJoined || joined.Channel != "ops" {
		t.Fatalf("unexpected reply: %#v", joined)
	}
	if len(joined.Users) != 1 || joined.Users[0] != "bob" {
		t.Fatalf("unexpected roster: %v", joined.Users)
	}
	assertNone(t, alice)
	assertNone(t, bob)
}

// A switch that fails validation must leave the current membership intact.
func TestSwitchValidatesBeforeDetaching(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "src")
	bob := addMember(t, r, "bob", "src")
	drain(alice)
	drain(bob)

	if err := r.Switch(alice.ID, "void"); !errors.Is(err, ErrNoSuchChannel) {
		t.Fatalf("err = %v, want ErrNoSuchChannel", err)
	}
	assertNone(t, bob)

	// A name collision in the target is caught the same way.
	addMember(t, r, "alice", "dst")
	drain(bob)
	if err := r.Switch(alice.ID, "dst"); !errors.Is(err, ErrNameInUse) {
		t.Fatalf("err = %v, want ErrNameInUse", err)
	}

	snap := r.Snapshot()
	srcAlice := 0
	for _, c := range snap.Clients {
		if c.Name == "alice" && c.Channel == "src" {
			srcAlice++
		}
	}
	if srcAlice != 1 {
		t.Fatalf("alice lost her src membership: %#v", snap.Clients)
	}
}

func TestSwitchWhileIdleJoins(t *testing.T) {
	r := NewRegistry(quietOptions())
	addMember(t, r, "alice", "ops")
	bob := addRegistered(t, r, "bob")

	if err := r.Switch(bob.ID, "ops"); err != nil {
		t.Fatalf("switch-as-join: %v", err)
	}
	if joined := recvType(t, bob, protocol.TypeJoined); joined.Channel != "ops" {
		t.Fatalf("unexpected joined: %#v", joined)
	}
}

func TestCloseChannelOwnerOnly(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	bob := addMember(t, r, "bob", "ops")

	if err := r.CloseChannel(bob.ID, "ops"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}
	if err := r.CloseChannel(alice.ID, "void"); !errors.Is(err, ErrNoSuchChannel) {
		t.Fatalf("err = %v, want ErrNoSuchChannel", err)
	}
	if got := len(r.ChannelList()); got != 1 {
		t.Fatalf("channel count = %d, want 1", got)
	}
}

func TestCloseChannelDetachesEveryMember(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	bob := addMember(t, r, "bob", "ops")
	carol := addMember(t, r, "carol", "ops")
	drain(alice)
	drain(bob)

	if err := r.CloseChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("close: %v", err)
	}

	for _, member := range []*Session{bob, carol} {
		closed := recvNext(t, member)
		if closed.Type != protocol.TypeChannelClosed || closed.Channel != "ops" {
			t.Fatalf("unexpected channel_closed: %#v", closed)
		}
		deleted := recvNext(t, member)
		if deleted.Type != protocol.TypeChannelDeleted || deleted.Channel != "ops" {
			t.Fatalf("unexpected channel_deleted: %#v", deleted)
		}
		dir := recvNext(t, member)
		if dir.Type != protocol.TypeChannels || len(dir.Channels) != 0 {
			t.Fatalf("directory not empty after close: %#v", dir)
		}
	}

	// The owner was not a member, so no channel_closed for them.
	deleted := recvNext(t, alice)
	if deleted.Type != protocol.TypeChannelDeleted {
		t.Fatalf("unexpected owner notice: %#v", deleted)
	}
	recvType(t, alice, protocol.TypeChannels)

	if r.MixerRunning("ops") {
		t.Fatal("mixer still running after close")
	}
	snap := r.Snapshot()
	for _, c := range snap.Clients {
		if c.Channel != "" {
			t.Fatalf("member still attached: %#v", c)
		}
	}
}

// Channels outlive their owner's connection; ownership never transfers.
func TestChannelSurvivesOwnerDisconnect(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	if err := r.CreateChannel(alice.ID, "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	bob := addMember(t, r, "bob", "ops")

	r.Disconnect(alice.ID)

	list := r.ChannelList()
	if len(list) != 1 || list[0].Owner != "alice" {
		t.Fatalf("unexpected channel list: %#v", list)
	}
	if err := r.CloseChannel(bob.ID, "ops"); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("ownership must not transfer: err = %v", err)
	}
}

func TestListChannelsAnswersUnregistered(t *testing.T) {
	r := NewRegistry(quietOptions())
	if err := r.AdminCreateChannel("ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	raw := r.AddSession()

	r.ListChannels(raw.ID)
	dir := recvType(t, raw, protocol.TypeChannels)
	if len(dir.Channels) != 1 || dir.Channels[0].Name != "ops" {
		t.Fatalf("unexpected directory: %#v", dir.Channels)
	}
}

func TestTalkingBroadcastSkipsSender(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")
	bob := addMember(t, r, "bob", "ops")
	carol := addMember(t, r, "carol", "ops")
	drain(alice)
	drain(bob)

	r.SetTalking(alice.ID, true)

	for _, s := range []*Session{bob, carol} {
		talking := recvType(t, s, protocol.TypeTalking)
		if talking.Name != "alice" || talking.Talking == nil || !*talking.Talking {
			t.Fatalf("unexpected talking notice: %#v", talking)
		}
	}
	assertNone(t, alice)

	// The released flag must reach the wire as an explicit false.
	r.SetTalking(alice.ID, false)
	talking := recvType(t, bob, protocol.TypeTalking)
	if talking.Talking == nil || *talking.Talking {
		t.Fatalf("expected talking=false, got %#v", talking)
	}
}

func TestTalkingIgnoredOutsideChannel(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addRegistered(t, r, "alice")
	r.SetTalking(alice.ID, true)
	assertNone(t, alice)
}

func TestMuteConfirmsToSelfOnly(t *testing.T) {
	r := NewRegistry(quietOptions())
	alice := addMember(t, r, "alice", "ops")
	bob := addMember(t, r, "bob", "ops")
	drain(alice)

	r.SetMuted(alice.ID, true)

	muted := recvType(t, alice, protocol.TypeMuted)
	if muted.Muted == nil || !*muted.Muted || muted.Source != "" {
		t.Fatalf("unexpected mute confirmation: %#v", muted)
	}
	assertNone(t, bob)

	snap := r.Snapshot()
	if !snap.Clients[0].Muted {
		t.Fatalf("mute flag not set: %#v", snap.Clients[0])
	}
}

func TestPingEchoesTimestamp(t *testing.T) {
	r := NewRegistry(quietOptions())
	s := r.AddSession()

	r.Dispatch(s.ID, protocol.Message{Type: protocol.TypePing, TS: 424242})
	pong := recvType(t, s, protocol.TypePong)
	if pong.TS != 424242 {
		t.Fatalf("pong ts = %d, want 424242", pong.TS)
	}
}

func TestDispatchUnknownTypeRepliesError(t *testing.T) {
	r := NewRegistry(quietOptions())
	s := r.AddSession()

	r.Dispatch(s.ID, protocol.Message{Type: "frobnicate"})
	errMsg := recvType(t, s, protocol.TypeError)
	if errMsg.Message != "Unknown type: frobnicate" {
		t.Fatalf("unexpected error text: %q", errMsg.Message)
	}
}

// Operations against a session ID the registry has never seen (or already
// dropped) must be silent no-ops.
func TestOperationsOnUnknownSessionAreNoOps(t *testing.T) {
	r := NewRegistry(quietOptions())

	if err := r.Register("ghost", "alice"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.CreateChannel("ghost", "ops"); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := r.Join("ghost", "ops"); err != nil {
		t.Fatalf("join: %v", err)
	}
	if err := r.Switch("ghost", "ops"); err != nil {
		t.Fatalf("switch: %v", err)
	}
	if err := r.CloseChannel("ghost", "ops"); err != nil {
		t.Fatalf("close: %v", err)
	}
	r.Leave("ghost")
	r.ListChannels("ghost")
	r.SetTalking("ghost", true)
	r.SetMuted("ghost", true)
	r.Ping("ghost", 1)
	r.PushFrame("ghost", frameOf(1))

	if got := r.SessionCount(); got != 0 {
		t.Fatalf("session count = %d, want 0", got)
	}
}
