package ledger

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shantanav/port-mobile-sub006/bundle"
	"github.com/shantanav/port-mobile-sub006/session"
)

// forEachStore runs a test against both Store implementations so the
// SQLite store satisfies the same contract as the in-memory one.
func forEachStore(t *testing.T, test func(t *testing.T, store Store)) {
	t.Run("Memory", func(t *testing.T) {
		store := NewMemoryStore()
		defer store.Close()
		test(t, store)
	})

	t.Run("SQLite", func(t *testing.T) {
		store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "ledger.db"))
		require.NoError(t, err)
		defer store.Close()
		test(t, store)
	})
}

func newGeneratedPort(t *testing.T, store Store) *GeneratedPort {
	t.Helper()

	sess, err := session.New()
	require.NoError(t, err)
	require.NoError(t, store.CreateSession(sess))

	p := &GeneratedPort{
		PortID:             uuid.NewString(),
		SessionID:          sess.ID,
		Target:             bundle.TargetDirect,
		Label:              "test port",
		CreatedAt:          time.Now(),
		PermissionPresetID: "preset-default",
	}
	require.NoError(t, store.SaveGeneratedPort(p))
	return p
}

func TestSessionLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		sess, err := session.New()
		require.NoError(t, err)

		require.NoError(t, store.CreateSession(sess))
		assert.ErrorIs(t, store.CreateSession(sess), ErrSessionExists)

		loaded, err := store.GetSession(sess.ID)
		require.NoError(t, err)
		assert.Equal(t, sess.ID, loaded.ID)
		require.NotNil(t, loaded.KeyPair)
		assert.Equal(t, sess.KeyPair.Public, loaded.KeyPair.Public)

		peer, err := session.New()
		require.NoError(t, err)
		require.NoError(t, loaded.BindPeer(peer.KeyPair.Public))
		require.NoError(t, store.UpdateSession(loaded))

		reloaded, err := store.GetSession(sess.ID)
		require.NoError(t, err)
		require.NotNil(t, reloaded.SharedSecret)
		assert.Equal(t, *loaded.SharedSecret, *reloaded.SharedSecret)

		require.NoError(t, store.DeleteSession(sess.ID))
		_, err = store.GetSession(sess.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGeneratedPortLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		p := newGeneratedPort(t, store)

		loaded, err := store.GetGeneratedPort(p.PortID)
		require.NoError(t, err)
		assert.Equal(t, p.SessionID, loaded.SessionID)
		assert.Nil(t, loaded.UsedAt)

		pending, err := store.ListPendingGeneratedPorts()
		require.NoError(t, err)
		require.Len(t, pending, 1)

		require.NoError(t, store.MarkPortUsed(p.PortID, time.Now()))

		pending, err = store.ListPendingGeneratedPorts()
		require.NoError(t, err)
		assert.Empty(t, pending)

		assert.ErrorIs(t, store.MarkPortUsed(p.PortID, time.Now()), ErrPortAlreadyUsed)

		require.NoError(t, store.DeleteGeneratedPort(p.PortID))
		_, err = store.GetGeneratedPort(p.PortID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestMarkPortUsedConcurrent(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		p := newGeneratedPort(t, store)

		const attempts = 16
		results := make(chan error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- store.MarkPortUsed(p.PortID, time.Now())
			}()
		}
		wg.Wait()
		close(results)

		var successes, rejections int
		for err := range results {
			switch {
			case err == nil:
				successes++
			default:
				assert.ErrorIs(t, err, ErrPortAlreadyUsed)
				rejections++
			}
		}

		assert.Equal(t, 1, successes, "exactly one redemption must win")
		assert.Equal(t, attempts-1, rejections)
	})
}

func TestSuperPortCapacity(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		sess, err := session.New()
		require.NoError(t, err)
		require.NoError(t, store.CreateSession(sess))

		p := &SuperPort{
			GeneratedPort: GeneratedPort{
				PortID:    uuid.NewString(),
				SessionID: sess.ID,
				Target:    bundle.TargetSuperportDirect,
				CreatedAt: time.Now(),
			},
			ConnectionsPossible: 3,
		}
		require.NoError(t, store.SaveSuperPort(p))

		const attempts = 10
		results := make(chan error, attempts)
		var wg sync.WaitGroup
		for i := 0; i < attempts; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				results <- store.ReserveSuperPortSlot(p.PortID)
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
				assert.ErrorIs(t, err, ErrPortExhausted)
				exhausted++
			}
		}

		assert.Equal(t, 3, successes, "exactly capacity redemptions must win")
		assert.Equal(t, attempts-3, exhausted)

		loaded, err := store.GetSuperPort(p.PortID)
		require.NoError(t, err)
		assert.Equal(t, 3, loaded.ConnectionsMade)
		assert.True(t, loaded.Exhausted())
	})
}

func TestExhaustedSuperPortNotListedPending(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		sess, err := session.New()
		require.NoError(t, err)
		require.NoError(t, store.CreateSession(sess))

		p := &SuperPort{
			GeneratedPort: GeneratedPort{
				PortID:    uuid.NewString(),
				SessionID: sess.ID,
				Target:    bundle.TargetSuperportDirect,
				CreatedAt: time.Now(),
			},
			ConnectionsPossible: 1,
		}
		require.NoError(t, store.SaveSuperPort(p))

		pending, err := store.ListPendingGeneratedPorts()
		require.NoError(t, err)
		require.Len(t, pending, 1)

		require.NoError(t, store.ReserveSuperPortSlot(p.PortID))

		pending, err = store.ListPendingGeneratedPorts()
		require.NoError(t, err)
		assert.Empty(t, pending, "an exhausted superport is not an outstanding invitation")
	})
}

func TestSeenTokens(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		now := time.Now()

		require.NoError(t, store.MarkTokenSeen("token-a", now))
		assert.ErrorIs(t, store.MarkTokenSeen("token-a", now), ErrTokenReplayed)

		require.NoError(t, store.MarkTokenSeen("token-b", now.Add(-time.Hour)))

		// Pruning releases only tokens older than the cutoff.
		require.NoError(t, store.PruneSeenTokens(now.Add(-time.Minute)))
		require.NoError(t, store.MarkTokenSeen("token-b", now))
		assert.ErrorIs(t, store.MarkTokenSeen("token-a", now), ErrTokenReplayed)
	})
}

func TestReadPortRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		p := &ReadPort{
			PortID:     uuid.NewString(),
			Target:     bundle.TargetDirect,
			SessionID:  uuid.NewString(),
			RedeemedAt: time.Now(),
		}
		require.NoError(t, store.SaveReadPort(p))

		loaded, err := store.GetReadPort(p.PortID)
		require.NoError(t, err)
		assert.Equal(t, p.SessionID, loaded.SessionID)
	})
}

func TestContactPortPairUniqueness(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		owner := &ContactPort{
			PortID:    uuid.NewString(),
			PairHash:  "pair-1",
			Owner:     true,
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.SaveContactPort(owner))

		// The other side of the same pair is fine.
		other := &ContactPort{
			PortID:    uuid.NewString(),
			PairHash:  "pair-1",
			Owner:     false,
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.SaveContactPort(other))

		// A second owner-side record for the pair is not.
		dup := &ContactPort{
			PortID:    uuid.NewString(),
			PairHash:  "pair-1",
			Owner:     true,
			CreatedAt: time.Now(),
		}
		assert.ErrorIs(t, store.SaveContactPort(dup), ErrDuplicateContactPort)

		found, err := store.GetContactPortByPair("pair-1", true)
		require.NoError(t, err)
		assert.Equal(t, owner.PortID, found.PortID)
	})
}

func TestContactPortPauseBlocksRedemption(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		p := &ContactPort{
			PortID:    uuid.NewString(),
			PairHash:  "pair-2",
			Owner:     true,
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.SaveContactPort(p))

		require.NoError(t, store.ReserveContactPortSlot(p.PortID))

		require.NoError(t, store.SetContactPortPaused(p.PortID, true))
		assert.ErrorIs(t, store.ReserveContactPortSlot(p.PortID), ErrPortPaused)

		require.NoError(t, store.SetContactPortPaused(p.PortID, false))
		require.NoError(t, store.ReserveContactPortSlot(p.PortID))

		loaded, err := store.GetContactPort(p.PortID)
		require.NoError(t, err)
		assert.Equal(t, 2, loaded.ConnectionsMade)
	})
}

func TestTicketSingleUse(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		port := &ContactPort{
			PortID:    uuid.NewString(),
			PairHash:  "pair-3",
			Owner:     true,
			CreatedAt: time.Now(),
		}
		require.NoError(t, store.SaveContactPort(port))

		ticket := &ContactPortTicket{
			TicketID:      uuid.NewString(),
			ContactPortID: port.PortID,
			Active:        true,
			CreatedAt:     time.Now(),
		}
		require.NoError(t, store.CreateTicket(ticket))

		require.NoError(t, store.ConsumeTicket(ticket.TicketID))
		assert.ErrorIs(t, store.ConsumeTicket(ticket.TicketID), ErrTicketConsumed)

		loaded, err := store.GetTicket(ticket.TicketID)
		require.NoError(t, err)
		assert.False(t, loaded.Active)
	})
}

func TestPermissionPresets(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		def := &PermissionPreset{
			PresetID:       "preset-default",
			Name:           "Default",
			IsDefault:      true,
			ContactSharing: true,
		}
		require.NoError(t, store.SavePermissionPreset(def))

		strict := &PermissionPreset{
			PresetID:                    "preset-strict",
			Name:                        "Strict",
			DisappearingMessagesSeconds: 86400,
		}
		require.NoError(t, store.SavePermissionPreset(strict))

		loaded, err := store.DefaultPermissionPreset()
		require.NoError(t, err)
		assert.Equal(t, "preset-default", loaded.PresetID)

		// Presets are referenced by id: edits show up on the next read.
		def.ContactSharing = false
		require.NoError(t, store.SavePermissionPreset(def))
		loaded, err = store.GetPermissionPreset("preset-default")
		require.NoError(t, err)
		assert.False(t, loaded.ContactSharing)
	})
}

func TestContactShareRequestTransitions(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		r := &ContactShareRequest{
			RequestID:         uuid.NewString(),
			RequesterChatID:   "chat-r",
			SourceChatID:      "chat-s",
			DestinationChatID: "chat-d",
			Status:            ShareStatusPending,
			CreatedAt:         time.Now(),
		}
		require.NoError(t, store.SaveContactShareRequest(r))

		// Relay before approval is an error.
		assert.ErrorIs(t, store.MarkContactShareRelayed(r.RequestID), ErrNotApproved)

		require.NoError(t, store.ApproveContactShareRequest(r.RequestID, "port://bundle", "ticket-1", time.Now()))
		assert.ErrorIs(t, store.ApproveContactShareRequest(r.RequestID, "port://other", "ticket-2", time.Now()), ErrAlreadyApproved)

		loaded, err := store.GetContactShareRequest(r.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ShareStatusApproved, loaded.Status)
		assert.Equal(t, "port://bundle", loaded.BundleString)
		assert.Equal(t, "ticket-1", loaded.TicketID)
		require.NotNil(t, loaded.ApprovedAt)

		// Relay is retriable.
		require.NoError(t, store.MarkContactShareRelayed(r.RequestID))
		require.NoError(t, store.MarkContactShareRelayed(r.RequestID))

		loaded, err = store.GetContactShareRequest(r.RequestID)
		require.NoError(t, err)
		assert.Equal(t, ShareStatusRelayed, loaded.Status)
	})
}

func TestConnectionRecords(t *testing.T) {
	forEachStore(t, func(t *testing.T, store Store) {
		c := &ConnectionRecord{
			ConnectionID:  uuid.NewString(),
			PortID:        uuid.NewString(),
			SessionID:     uuid.NewString(),
			PeerAddress:   "channel/bob",
			Authenticated: true,
			CreatedAt:     time.Now(),
		}
		require.NoError(t, store.SaveConnection(c))

		loaded, err := store.GetConnection(c.ConnectionID)
		require.NoError(t, err)
		assert.True(t, loaded.Authenticated)
		assert.Equal(t, "channel/bob", loaded.PeerAddress)
	})
}
