package handshake

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/crypto"
	"github.com/shantanav/port-mobile-sub006/ledger"
	"github.com/shantanav/port-mobile-sub006/transport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Now()}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Since(t time.Time) time.Duration {
	return c.Now().Sub(t)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newParty(t *testing.T, lb *transport.LoopbackChannel, address string) *Protocol {
	t.Helper()

	store := ledger.NewMemoryStore()
	p := New(store, lb, address)
	lb.Register(address, func(payload []byte) error {
		return p.HandleIncoming(context.Background(), payload)
	})
	return p
}

func TestDirectHandshakeRoundTrip(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")

	_, encoded, err := alice.GenerateBundle(GenerateParams{
		Target: bundle.TargetDirect,
		Label:  "for bob",
	})
	require.NoError(t, err)

	conn, err := bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	// Loopback delivery is synchronous: both sides complete in-line.
	assert.Equal(t, StateAuthenticated, conn.State())

	aliceConns := alice.Connections()
	require.Len(t, aliceConns, 1)
	assert.Equal(t, StateAuthenticated, aliceConns[0].State())

	// ECDH symmetry: both halves hold the same shared secret.
	require.NotNil(t, conn.Session.SharedSecret)
	require.NotNil(t, aliceConns[0].Session.SharedSecret)
	assert.Equal(t, *conn.Session.SharedSecret, *aliceConns[0].Session.SharedSecret)

	// And application traffic flows.
	ciphertext, err := conn.Encrypt([]byte("hello alice"))
	require.NoError(t, err)
	plaintext, err := aliceConns[0].Decrypt(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello alice"), plaintext)
}

func TestDirectPortSingleUse(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")
	carol := newParty(t, lb, "channel/carol")

	_, encoded, err := alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect})
	require.NoError(t, err)

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	_, err = carol.ReadBundle(context.Background(), encoded, "")
	assert.ErrorIs(t, err, ledger.ErrPortAlreadyUsed)

	// The loser must not leave a half-built connection behind.
	assert.Empty(t, carol.Connections())
}

func TestSuperportCapacityConcurrent(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")

	_, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:              bundle.TargetSuperportDirect,
		ConnectionsPossible: 3,
	})
	require.NoError(t, err)

	const attempts = 8
	results := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := bob.ReadBundle(context.Background(), encoded, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var successes, exhausted int
	for err := range results {
		switch {
		case err == nil:
			successes++
		default:
			assert.ErrorIs(t, err, ledger.ErrPortExhausted)
			exhausted++
		}
	}

	assert.Equal(t, 3, successes, "exactly capacity redemptions must succeed")
	assert.Equal(t, attempts-3, exhausted)
	assert.Len(t, alice.Connections(), 3)
}

func TestExpiredBundleRejected(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")

	clock := newFakeClock()
	alice.SetTimeProvider(clock)
	bob.SetTimeProvider(clock)

	_, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:    bundle.TargetDirect,
		ExpiresIn: time.Hour,
	})
	require.NoError(t, err)

	clock.Advance(2 * time.Hour)

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	assert.ErrorIs(t, err, bundle.ErrExpired)
}

func TestExpiryEnforcedOnGeneratingSide(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")

	clock := newFakeClock()
	alice.SetTimeProvider(clock)

	_, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:    bundle.TargetDirect,
		ExpiresIn: time.Hour,
	})
	require.NoError(t, err)

	// Only the owner's clock has advanced past expiry; the consumer's
	// decode-time check passes and the rejection comes from the port
	// row on the generating side.
	clock.Advance(2 * time.Hour)

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	assert.ErrorIs(t, err, bundle.ErrExpired)
}

func TestNeverExpiresScenario(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")
	bob := newParty(t, lb, "channel/bob")

	_, encoded, err := alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect})
	require.NoError(t, err)

	conn, err := bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, conn.State())

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	assert.ErrorIs(t, err, ledger.ErrPortAlreadyUsed)
}

func TestAuthenticationMismatchRejected(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")

	b, _, err := alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect})
	require.NoError(t, err)

	attacker, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	secret, err := crypto.DeriveSharedSecret(b.PublicKey, attacker.Private)
	require.NoError(t, err)

	// The hash names the attacker's own key instead of alice's.
	body := confirmBody{
		PeerIdentityHash: crypto.HashHex(attacker.Public[:]),
		AntiReplayToken:  "deadbeef",
	}
	plaintext, err := json.Marshal(&body)
	require.NoError(t, err)
	ciphertext, err := crypto.Encrypt(plaintext, secret)
	require.NoError(t, err)

	env := envelope{
		Type:            msgConfirm,
		Version:         bundle.Version,
		PortID:          b.PortID,
		SenderPublicKey: attacker.Public,
		ReplyAddress:    "channel/attacker",
		Ciphertext:      ciphertext,
	}
	payload, err := json.Marshal(&env)
	require.NoError(t, err)

	err = alice.HandleIncoming(context.Background(), payload)
	assert.ErrorIs(t, err, ErrAuthenticationMismatch)
	assert.Empty(t, alice.Connections())

	// The failed attempt must not consume the port.
	port, err := alice.PendingGeneratedPorts()
	require.NoError(t, err)
	assert.Len(t, port, 1)
}

// recordingChannel captures confirmations so they can be replayed.
type recordingChannel struct {
	inner    transport.Channel
	mu       sync.Mutex
	captured [][]byte
}

func (r *recordingChannel) Send(ctx context.Context, address string, payload []byte) error {
	var env envelope
	if json.Unmarshal(payload, &env) == nil && env.Type == msgConfirm {
		r.mu.Lock()
		r.captured = append(r.captured, append([]byte(nil), payload...))
		r.mu.Unlock()
	}
	return r.inner.Send(ctx, address, payload)
}

func TestReplayedConfirmationRejected(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")

	bobStore := ledger.NewMemoryStore()
	rec := &recordingChannel{inner: lb}
	bob := New(bobStore, rec, "channel/bob")
	lb.Register("channel/bob", func(payload []byte) error {
		return bob.HandleIncoming(context.Background(), payload)
	})

	_, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:              bundle.TargetSuperportDirect,
		ConnectionsPossible: 5,
	})
	require.NoError(t, err)

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	rec.mu.Lock()
	require.Len(t, rec.captured, 1)
	replayed := rec.captured[0]
	rec.mu.Unlock()

	// Replaying the captured confirmation must not burn a second slot.
	err = alice.HandleIncoming(context.Background(), replayed)
	assert.ErrorIs(t, err, ErrReplayedConfirmation)
	assert.Len(t, alice.Connections(), 1)
}

func TestReplayRejectedAfterRestart(t *testing.T) {
	lb := transport.NewLoopbackChannel()

	aliceStore := ledger.NewMemoryStore()
	alice := New(aliceStore, lb, "channel/alice")
	lb.Register("channel/alice", func(payload []byte) error {
		return alice.HandleIncoming(context.Background(), payload)
	})

	bobStore := ledger.NewMemoryStore()
	rec := &recordingChannel{inner: lb}
	bob := New(bobStore, rec, "channel/bob")
	lb.Register("channel/bob", func(payload []byte) error {
		return bob.HandleIncoming(context.Background(), payload)
	})

	b, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:              bundle.TargetSuperportDirect,
		ConnectionsPossible: 5,
	})
	require.NoError(t, err)

	_, err = bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	rec.mu.Lock()
	require.Len(t, rec.captured, 1)
	replayed := rec.captured[0]
	rec.mu.Unlock()

	// The generating side restarts: a fresh protocol over the same
	// ledger. The accepted token set must survive the restart.
	restarted := New(aliceStore, lb, "channel/alice")

	err = restarted.HandleIncoming(context.Background(), replayed)
	assert.ErrorIs(t, err, ErrReplayedConfirmation)
	assert.Empty(t, restarted.Connections())

	port, err := aliceStore.GetSuperPort(b.PortID)
	require.NoError(t, err)
	assert.Equal(t, 1, port.ConnectionsMade, "replay must not burn a second slot")
}

func TestContactPortBundleLifecycle(t *testing.T) {
	lb := transport.NewLoopbackChannel()

	aliceStore := ledger.NewMemoryStore()
	alice := New(aliceStore, lb, "channel/alice")
	lb.Register("channel/alice", func(payload []byte) error {
		return alice.HandleIncoming(context.Background(), payload)
	})
	bob := newParty(t, lb, "channel/bob")
	carol := newParty(t, lb, "channel/carol")
	dave := newParty(t, lb, "channel/dave")

	b, encoded, err := alice.GenerateBundle(GenerateParams{
		Target:   bundle.TargetContactPort,
		PairHash: crypto.HashHex([]byte("channel/alice|channel/bob")),
	})
	require.NoError(t, err)

	conn, err := bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, conn.State())

	port, err := aliceStore.GetContactPort(b.PortID)
	require.NoError(t, err)
	assert.True(t, port.Owner)
	assert.Equal(t, 1, port.ConnectionsMade)

	// Contact ports stay redeemable until paused.
	_, err = carol.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	port, err = aliceStore.GetContactPort(b.PortID)
	require.NoError(t, err)
	assert.Equal(t, 2, port.ConnectionsMade)

	require.NoError(t, aliceStore.SetContactPortPaused(b.PortID, true))
	_, err = dave.ReadBundle(context.Background(), encoded, "")
	assert.ErrorIs(t, err, ledger.ErrPortPaused)

	require.NoError(t, aliceStore.SetContactPortPaused(b.PortID, false))
	_, err = dave.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)
}

func TestPendingOmitsExpiredAndExhausted(t *testing.T) {
	lb := transport.NewLoopbackChannel()

	store := ledger.NewMemoryStore()
	alice := New(store, lb, "channel/alice")
	lb.Register("channel/alice", func(payload []byte) error {
		return alice.HandleIncoming(context.Background(), payload)
	})
	clock := newFakeClock()
	alice.SetTimeProvider(clock)

	_, _, err := alice.GenerateBundle(GenerateParams{
		Target:    bundle.TargetDirect,
		Label:     "expiring",
		ExpiresIn: time.Hour,
	})
	require.NoError(t, err)

	super, _, err := alice.GenerateBundle(GenerateParams{
		Target:              bundle.TargetSuperportDirect,
		Label:               "tiny",
		ConnectionsPossible: 1,
	})
	require.NoError(t, err)

	_, _, err = alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect, Label: "keeper"})
	require.NoError(t, err)

	require.NoError(t, store.ReserveSuperPortSlot(super.PortID))
	clock.Advance(2 * time.Hour)

	pending, err := alice.PendingGeneratedPorts()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "keeper", pending[0].Label)
}

// droppingChannel swallows acks to simulate an unreliable transport.
type droppingChannel struct {
	inner transport.Channel
}

func (d *droppingChannel) Send(ctx context.Context, address string, payload []byte) error {
	var env envelope
	if json.Unmarshal(payload, &env) == nil && env.Type == msgAck {
		return nil
	}
	return d.inner.Send(ctx, address, payload)
}

func TestConnectionUnusableBeforeAck(t *testing.T) {
	lb := transport.NewLoopbackChannel()

	aliceStore := ledger.NewMemoryStore()
	alice := New(aliceStore, &droppingChannel{inner: lb}, "channel/alice")
	lb.Register("channel/alice", func(payload []byte) error {
		return alice.HandleIncoming(context.Background(), payload)
	})

	bob := newParty(t, lb, "channel/bob")

	_, encoded, err := alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect})
	require.NoError(t, err)

	conn, err := bob.ReadBundle(context.Background(), encoded, "")
	require.NoError(t, err)

	assert.Equal(t, StateUnauthenticated, conn.State())

	_, err = conn.Encrypt([]byte("too early"))
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestPendingAndDelete(t *testing.T) {
	lb := transport.NewLoopbackChannel()
	alice := newParty(t, lb, "channel/alice")

	_, _, err := alice.GenerateBundle(GenerateParams{Target: bundle.TargetDirect, Label: "one"})
	require.NoError(t, err)
	_, _, err = alice.GenerateBundle(GenerateParams{Target: bundle.TargetSuperportDirect, Label: "two"})
	require.NoError(t, err)

	pending, err := alice.PendingGeneratedPorts()
	require.NoError(t, err)
	require.Len(t, pending, 2)

	var direct, super PendingPort
	for _, p := range pending {
		if p.Label == "one" {
			direct = p
		} else {
			super = p
		}
	}
	assert.False(t, direct.IsLink)
	assert.True(t, super.IsLink)

	require.NoError(t, alice.DeleteGeneratedPort(direct.PortID))
	pending, err = alice.PendingGeneratedPorts()
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
