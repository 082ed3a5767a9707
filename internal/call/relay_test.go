package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chat_relay/internal/presence"
	"chat_relay/internal/protocol"
)

type frame struct {
	conn uuid.UUID
	ev   protocol.Outbound
}

type recorder struct {
	mu     sync.Mutex
	reg    *presence.Registry
	frames []frame
}

func (r *recorder) add(conn uuid.UUID, ev protocol.Outbound) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame{conn, ev})
}

func (r *recorder) SendToConn(conn uuid.UUID, ev protocol.Outbound) bool {
	r.add(conn, ev)
	return true
}

func (r *recorder) SendToUser(userID string, ev protocol.Outbound) int {
	conns := r.reg.ConnectionsFor(userID)
	for _, c := range conns {
		r.add(c, ev)
	}
	return len(conns)
}

func (r *recorder) SendToChannel(string, protocol.Outbound, uuid.UUID) int { return 0 }
func (r *recorder) Broadcast(protocol.Outbound) int                        { return 0 }

func (r *recorder) on(conn uuid.UUID, event string) []protocol.Outbound {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []protocol.Outbound
	for _, f := range r.frames {
		if f.conn == conn && f.ev.Event == event {
			out = append(out, f.ev)
		}
	}
	return out
}

type callFixture struct {
	reg    *presence.Registry
	out    *recorder
	issuer *JWTIssuer
	relay  *Relay
}

func newCallFixture(t *testing.T, ringTimeout time.Duration) *callFixture {
	t.Helper()
	reg := presence.NewRegistry()
	out := &recorder{reg: reg}
	issuer := NewJWTIssuer("app-1", "secret", time.Minute)
	return &callFixture{
		reg:    reg,
		out:    out,
		issuer: issuer,
		relay:  NewRelay(reg, out, issuer, Options{RingTimeout: ringTimeout}),
	}
}

func (f *callFixture) connect(userID string) uuid.UUID {
	id := uuid.New()
	f.reg.Register(userID, id)
	return id
}

func TestInitiateAndAccept(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	aliceConn := f.connect("alice")
	bobPhone := f.connect("bob")
	bobLaptop := f.connect("bob")

	s, reason, err := f.relay.Initiate(ctx, InitiateRequest{
		CallerID:   "alice",
		CallerName: "  <Alice> & co ",
		CalleeID:   "bob",
		ChannelID:  "room-1",
		ConnID:     aliceConn,
	})
	require.NoError(t, err)
	require.Empty(t, reason)
	require.NotNil(t, s)
	assert.Equal(t, StateRinging, s.State)
	assert.NotEqual(t, s.CallerUID, s.CalleeUID)
	assert.NotZero(t, s.CallerUID)
	assert.NotZero(t, s.CalleeUID)

	for _, conn := range []uuid.UUID{bobPhone, bobLaptop} {
		got := f.out.on(conn, protocol.EventIncomingCall)
		require.Len(t, got, 1)
		in := got[0].Data.(protocol.IncomingCall)
		assert.Equal(t, "<Alice> & co", in.CallerName)
		assert.Equal(t, "room-1", in.ChannelID)
		claims, err := f.issuer.Parse(in.Credential)
		require.NoError(t, err)
		assert.Equal(t, s.CalleeUID, claims.UID)
		assert.Equal(t, "room-1", claims.Channel)
	}
	initiated := f.out.on(aliceConn, protocol.EventCallInitiated)
	require.Len(t, initiated, 1)
	callerCred := initiated[0].Data.(protocol.CallCredential)
	claims, err := f.issuer.Parse(callerCred.Credential)
	require.NoError(t, err)
	assert.Equal(t, s.CallerUID, claims.UID)

	accepted, err := f.relay.Accept(ctx, AcceptRequest{
		CalleeID:      "bob",
		CallerID:      "alice",
		ChannelID:     "room-1",
		CalleeLocalID: 4242,
		ConnID:        bobPhone,
	})
	require.NoError(t, err)
	require.NotNil(t, accepted)

	got := f.out.on(aliceConn, protocol.EventCallAccepted)
	require.Len(t, got, 1)
	acc := got[0].Data.(protocol.CallCredential)
	assert.Equal(t, uint32(4242), acc.LocalIdentity)
	assert.Equal(t, "bob", acc.PeerID)

	live, ok := f.relay.Session("bob")
	require.True(t, ok)
	assert.Equal(t, StateAccepted, live.State)
}

func TestAcceptReachesEveryCallerDevice(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	a1 := f.connect("alice")
	a2 := f.connect("alice")
	b := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: a1})
	require.NoError(t, err)
	_, err = f.relay.Accept(ctx, AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: b})
	require.NoError(t, err)

	assert.Len(t, f.out.on(a1, protocol.EventCallAccepted), 1)
	assert.Len(t, f.out.on(a2, protocol.EventCallAccepted), 1)
}

func TestInitiateOfflineCallee(t *testing.T) {
	f := newCallFixture(t, 0)
	aliceConn := f.connect("alice")

	s, reason, err := f.relay.Initiate(context.Background(), InitiateRequest{
		CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: aliceConn,
	})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, protocol.ReasonOffline, reason)

	got := f.out.on(aliceConn, protocol.EventCallUnavailable)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CallUnavailable{CalleeID: "bob", Reason: protocol.ReasonOffline}, got[0].Data)
	assert.Empty(t, f.out.on(aliceConn, protocol.EventCallInitiated))
}

func TestInitiateBusyCallee(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	carol := f.connect("carol")
	f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c1", ConnID: alice})
	require.NoError(t, err)

	s, reason, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "carol", CalleeID: "bob", ChannelID: "c2", ConnID: carol})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, protocol.ReasonBusy, reason)
	assert.Len(t, f.out.on(carol, protocol.EventCallUnavailable), 1)

	live, ok := f.relay.Session("bob")
	require.True(t, ok)
	assert.Equal(t, "alice", live.CallerID)
}

func TestCrossedCallsAreBusy(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	first, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c1", ConnID: alice})
	require.NoError(t, err)
	require.NotNil(t, first)

	s, reason, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "bob", CalleeID: "alice", ChannelID: "c2", ConnID: bob})
	require.NoError(t, err)
	assert.Nil(t, s)
	assert.Equal(t, protocol.ReasonBusy, reason)
	assert.Len(t, f.out.on(bob, protocol.EventCallUnavailable), 1)
	assert.Empty(t, f.out.on(alice, protocol.EventIncomingCall))

	_, ok := f.relay.Session("alice")
	assert.False(t, ok)
}

func TestRingingCallerIsBusyForOthers(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	carol := f.connect("carol")
	f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c1", ConnID: alice})
	require.NoError(t, err)

	_, reason, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "carol", CalleeID: "alice", ChannelID: "c2", ConnID: carol})
	require.NoError(t, err)
	assert.Equal(t, protocol.ReasonBusy, reason)
}

func TestInitiateFromUnregisteredConnection(t *testing.T) {
	f := newCallFixture(t, 0)
	f.connect("bob")
	pending := uuid.New()

	s, reason, err := f.relay.Initiate(context.Background(), InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c1", ConnID: pending})
	require.NoError(t, err)
	require.Empty(t, reason)

	got := f.out.on(pending, protocol.EventCallInitiated)
	require.Len(t, got, 1)
	claims, err := f.issuer.Parse(got[0].Data.(protocol.CallCredential).Credential)
	require.NoError(t, err)
	assert.Equal(t, s.CallerUID, claims.UID)
}

func TestInitiateReachesEveryCallerDeviceOnce(t *testing.T) {
	f := newCallFixture(t, 0)
	phone := f.connect("alice")
	laptop := f.connect("alice")
	f.connect("bob")

	_, _, err := f.relay.Initiate(context.Background(), InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c1", ConnID: phone})
	require.NoError(t, err)
	assert.Len(t, f.out.on(phone, protocol.EventCallInitiated), 1)
	assert.Len(t, f.out.on(laptop, protocol.EventCallInitiated), 1)
}

func TestInitiateSelfCall(t *testing.T) {
	f := newCallFixture(t, 0)
	conn := f.connect("alice")
	_, _, err := f.relay.Initiate(context.Background(), InitiateRequest{CallerID: "alice", CalleeID: "alice", ChannelID: "c", ConnID: conn})
	assert.ErrorIs(t, err, ErrSelfCall)
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	f := newCallFixture(t, 0)
	f.connect("alice")
	bob := f.connect("bob")

	s, err := f.relay.Accept(context.Background(), AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: bob})
	require.NoError(t, err)
	assert.Nil(t, s)

	got := f.out.on(bob, protocol.EventCallUnavailable)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReasonNoSuchCall, got[0].Data.(protocol.CallUnavailable).Reason)
}

func TestAcceptAfterCallerLeft(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	f.reg.Unregister(alice)

	s, err := f.relay.Accept(ctx, AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: bob})
	require.NoError(t, err)
	assert.Nil(t, s)
	got := f.out.on(bob, protocol.EventCallUnavailable)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReasonCallerOffline, got[0].Data.(protocol.CallUnavailable).Reason)

	_, ok := f.relay.Session("bob")
	assert.False(t, ok)
}

func TestRejectRelaysWithoutSession(t *testing.T) {
	f := newCallFixture(t, 0)
	alice := f.connect("alice")
	f.connect("bob")

	f.relay.Reject(context.Background(), "bob", "alice")

	got := f.out.on(alice, protocol.EventCallRejected)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CallSignal{FromID: "bob"}, got[0].Data)
}

func TestRejectClearsSession(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	f.relay.Reject(ctx, "bob", "alice")

	_, ok := f.relay.Session("bob")
	assert.False(t, ok)
	assert.Len(t, f.out.on(alice, protocol.EventCallRejected), 1)
}

func TestEndByCallerWhileRinging(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	f.relay.End(ctx, "alice", "bob")

	got := f.out.on(bob, protocol.EventCallEnded)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CallSignal{FromID: "alice", Reason: protocol.ReasonCallerCancelled}, got[0].Data)
	_, ok := f.relay.Session("bob")
	assert.False(t, ok)
}

func TestEndAfterAccept(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	_, err = f.relay.Accept(ctx, AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: bob})
	require.NoError(t, err)

	f.relay.End(ctx, "bob", "alice")
	got := f.out.on(alice, protocol.EventCallEnded)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReasonHangup, got[0].Data.(protocol.CallSignal).Reason)

	// The callee is free again.
	s, reason, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.NotNil(t, s)
}

func TestEndWithoutSessionStillRelays(t *testing.T) {
	f := newCallFixture(t, 0)
	bob := f.connect("bob")

	f.relay.End(context.Background(), "alice", "bob")
	got := f.out.on(bob, protocol.EventCallEnded)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.ReasonHangup, got[0].Data.(protocol.CallSignal).Reason)
}

func TestRingTimeout(t *testing.T) {
	f := newCallFixture(t, 20*time.Millisecond)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	s, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(f.out.on(alice, protocol.EventCallTimeout)) == 1
	}, time.Second, 5*time.Millisecond)

	timeout := f.out.on(alice, protocol.EventCallTimeout)[0].Data.(protocol.CallTimeout)
	assert.Equal(t, s.ID, timeout.CallID)
	assert.Equal(t, "bob", timeout.CalleeID)

	require.Eventually(t, func() bool {
		return len(f.out.on(bob, protocol.EventCallEnded)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.ReasonTimeout, f.out.on(bob, protocol.EventCallEnded)[0].Data.(protocol.CallSignal).Reason)

	_, ok := f.relay.Session("bob")
	assert.False(t, ok)

	// A late accept finds nothing to answer.
	late, err := f.relay.Accept(ctx, AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: bob})
	require.NoError(t, err)
	assert.Nil(t, late)
}

func TestAcceptStopsRingTimeout(t *testing.T) {
	f := newCallFixture(t, 30*time.Millisecond)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)
	_, err = f.relay.Accept(ctx, AcceptRequest{CalleeID: "bob", CallerID: "alice", ChannelID: "c", ConnID: bob})
	require.NoError(t, err)

	time.Sleep(80 * time.Millisecond)
	assert.Empty(t, f.out.on(alice, protocol.EventCallTimeout))
	live, ok := f.relay.Session("bob")
	require.True(t, ok)
	assert.Equal(t, StateAccepted, live.State)
}

func TestUserOfflineEndsSessions(t *testing.T) {
	f := newCallFixture(t, 0)
	ctx := context.Background()
	alice := f.connect("alice")
	bob := f.connect("bob")

	_, _, err := f.relay.Initiate(ctx, InitiateRequest{CallerID: "alice", CalleeID: "bob", ChannelID: "c", ConnID: alice})
	require.NoError(t, err)

	f.relay.UserOffline("alice")

	got := f.out.on(bob, protocol.EventCallEnded)
	require.Len(t, got, 1)
	assert.Equal(t, protocol.CallSignal{FromID: "alice", Reason: protocol.ReasonPeerOffline}, got[0].Data)
	_, ok := f.relay.Session("bob")
	assert.False(t, ok)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RINGING", StateRinging.String())
	assert.Equal(t, "CALLER_CANCELLED", StateCallerCancelled.String())
	assert.Equal(t, "IDLE", State(0).String())
}
