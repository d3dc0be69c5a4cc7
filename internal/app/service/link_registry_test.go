package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sifan077/RoomGate/internal/app/model"
	"github.com/sifan077/RoomGate/internal/app/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// basicStore hides the atomic capabilities of the wrapped store.
type basicStore struct {
	repository.TokenStore
}

// failingStore fails every call with err.
type failingStore struct {
	repository.TokenStore
	err error
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return f.err
}

func (f *failingStore) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, f.err
}

func (f *failingStore) Delete(ctx context.Context, key string) error {
	return f.err
}

type recordingPublisher struct {
	events chan model.LinkEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event model.LinkEvent) error {
	p.events <- event
	return nil
}

type registryFixture struct {
	registry LinkRegistry
	store    *repository.MemoryTokenStore
	clock    *testClock
}

func newFixture(t *testing.T, atomicStore bool, opts ...Option) registryFixture {
	t.Helper()
	clock := &testClock{now: t0}
	mem := repository.NewMemoryTokenStore(clock.Now)

	var store repository.TokenStore = mem
	if !atomicStore {
		store = basicStore{mem}
	}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	registry, err := NewLinkRegistry(store, DefaultPolicy(), opts...)
	require.NoError(t, err)
	return registryFixture{registry: registry, store: mem, clock: clock}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, atomicStore bool)) {
	t.Run("atomic", func(t *testing.T) { fn(t, true) })
	t.Run("fallback", func(t *testing.T) { fn(t, false) })
}

func TestLinkRegistry_IssueThenRedeemReturnsResource(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		for _, mode := range model.Modes {
			for _, ref := range []string{"RoomA42", "a", "room_with-dash", "Z9"} {
				issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: ref, Mode: mode})
				require.NoError(t, err)
				assert.Len(t, issued.Token, model.TokenLength)
				assert.Equal(t, "/links/"+issued.Token, issued.RedeemPath)
				assert.Equal(t, DefaultPolicy().TTL(mode), issued.TTL)

				rec, err := f.registry.Redeem(ctx, issued.Token, "client-1")
				require.NoError(t, err, "mode %s", mode)
				assert.Equal(t, ref, rec.ResourceRef)
				assert.Equal(t, mode, rec.Mode)
			}
		}
	})
}

func TestLinkRegistry_IssueRejectsInvalidInput(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "../admin", Mode: model.ModePersistent})
	assert.ErrorIs(t, err, ErrInvalidResource)

	_, err = f.registry.Issue(ctx, IssueInput{ResourceRef: "", Mode: model.ModePersistent})
	assert.ErrorIs(t, err, ErrInvalidResource)

	for _, padded := range []string{" RoomA", "RoomA ", "\tRoomA", "RoomA\n"} {
		_, err = f.registry.Issue(ctx, IssueInput{ResourceRef: padded, Mode: model.ModePersistent})
		assert.ErrorIs(t, err, ErrInvalidResource, "%q", padded)
	}

	_, err = f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA", Mode: "forever"})
	assert.ErrorIs(t, err, ErrInvalidMode)

	assert.Equal(t, 0, f.store.Len(), "nothing may be written for rejected input")
}

func TestLinkRegistry_IssueDefaults(t *testing.T) {
	clock := &testClock{now: t0}
	policy := DefaultPolicy()
	policy.DefaultResource = "AyushLive"
	policy.DefaultMode = model.ModeEphemeralTTL
	registry, err := NewLinkRegistry(repository.NewMemoryTokenStore(clock.Now), policy, WithClock(clock.Now))
	require.NoError(t, err)

	issued, err := registry.Issue(context.Background(), IssueInput{ResourceRef: "  "})
	require.NoError(t, err)
	assert.Equal(t, "AyushLive", issued.Record.ResourceRef)
	assert.Equal(t, model.ModeEphemeralTTL, issued.Record.Mode)
}

func TestLinkRegistry_TokensAreUnique(t *testing.T) {
	f := newFixture(t, true)
	seen := make(map[string]struct{})
	for i := 0; i < 500; i++ {
		issued, err := f.registry.Issue(context.Background(), IssueInput{ResourceRef: "RoomA", Mode: model.ModePersistent})
		require.NoError(t, err)
		require.True(t, model.ValidToken(issued.Token))
		_, dup := seen[issued.Token]
		require.False(t, dup, "duplicate token %s", issued.Token)
		seen[issued.Token] = struct{}{}
	}
}

func TestLinkRegistry_SingleUse(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA42", Mode: model.ModeSingleUse})
		require.NoError(t, err)

		rec, err := f.registry.Redeem(ctx, issued.Token, "")
		require.NoError(t, err)
		assert.Equal(t, "RoomA42", rec.ResourceRef)

		for i := 0; i < 3; i++ {
			_, err = f.registry.Redeem(ctx, issued.Token, "")
			assert.ErrorIs(t, err, ErrExpired)
		}
	})
}

func TestLinkRegistry_SingleUseConcurrentRedemption(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		for round := 0; round < 20; round++ {
			issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA42", Mode: model.ModeSingleUse})
			require.NoError(t, err)

			var wins, expired atomic.Int32
			var wg sync.WaitGroup
			start := make(chan struct{})
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					<-start
					_, err := f.registry.Redeem(ctx, issued.Token, "")
					switch {
					case err == nil:
						wins.Add(1)
					case errors.Is(err, ErrExpired):
						expired.Add(1)
					default:
						t.Errorf("unexpected error: %v", err)
					}
				}()
			}
			close(start)
			wg.Wait()

			require.Equal(t, int32(1), wins.Load(), "exactly one redemption may succeed")
			require.Equal(t, int32(15), expired.Load())
		}
	})
}

func TestLinkRegistry_SingleUseExpiresWithoutRedemption(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA", Mode: model.ModeSingleUse})
	require.NoError(t, err)

	f.clock.Advance(91 * time.Second)
	_, err = f.registry.Redeem(ctx, issued.Token, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLinkRegistry_EphemeralSlidingExpiry(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomE", Mode: model.ModeEphemeralTTL})
		require.NoError(t, err)

		// Each access within the window pushes expiry out by another full ttl.
		for i := 0; i < 5; i++ {
			f.clock.Advance(60 * time.Second)
			_, err := f.registry.Redeem(ctx, issued.Token, "")
			require.NoError(t, err, "access %d", i)
		}

		f.clock.Advance(91 * time.Second)
		_, err = f.registry.Redeem(ctx, issued.Token, "")
		assert.ErrorIs(t, err, ErrExpired)
	})
}

func TestLinkRegistry_PersistentUntilRevoked(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomP", Mode: model.ModePersistent})
	require.NoError(t, err)

	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.registry.Redeem(ctx, issued.Token, "")
	require.NoError(t, err)

	require.NoError(t, f.registry.Revoke(ctx, issued.Token))
	require.NoError(t, f.registry.Revoke(ctx, issued.Token), "revoke is idempotent")

	_, err = f.registry.Redeem(ctx, issued.Token, "")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLinkRegistry_MalformedTokenIsNotFound(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	for _, token := range []string{"", "short", "has space in it 1234567", "AbCdEfGhIjKlMnOpQrStU_x"} {
		_, err := f.registry.Redeem(ctx, token, "c")
		assert.ErrorIs(t, err, ErrNotFound, token)
	}
}

func TestLinkRegistry_OwnerClaimed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
		require.NoError(t, err)
		token := issued.Token

		rec, err := f.registry.Redeem(ctx, token, "X")
		require.NoError(t, err)
		assert.Equal(t, "X", rec.OwnerClaim)

		f.clock.Advance(10 * time.Second)
		_, err = f.registry.Redeem(ctx, token, "Y")
		assert.ErrorIs(t, err, ErrForbidden)

		// Reload by the owner keeps working.
		_, err = f.registry.Redeem(ctx, token, "X")
		require.NoError(t, err)

		f.clock.Advance(50 * time.Second)
		rec, err = f.registry.Redeem(ctx, token, "Y")
		require.NoError(t, err)
		assert.Equal(t, "Y", rec.OwnerClaim)

		_, err = f.registry.Redeem(ctx, token, "X")
		assert.ErrorIs(t, err, ErrForbidden, "previous owner is locked out while Y is active")
	})
}

func TestLinkRegistry_HeartbeatKeepsClaim(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
		require.NoError(t, err)
		_, err = f.registry.Redeem(ctx, issued.Token, "X")
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			f.clock.Advance(30 * time.Second)
			rec, err := f.registry.Heartbeat(ctx, issued.Token, "X")
			require.NoError(t, err)
			assert.True(t, rec.LastSeen.Equal(f.clock.Now()))

			_, err = f.registry.Redeem(ctx, issued.Token, "Y")
			assert.ErrorIs(t, err, ErrForbidden)
		}
	})
}

func TestLinkRegistry_NonOwnerHeartbeatNeverMutates(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
		require.NoError(t, err)
		claimed, err := f.registry.Redeem(ctx, issued.Token, "X")
		require.NoError(t, err)

		f.clock.Advance(20 * time.Second)
		_, err = f.registry.Heartbeat(ctx, issued.Token, "Y")
		assert.ErrorIs(t, err, ErrForbidden)

		rec, err := f.registry.Peek(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, "X", rec.OwnerClaim)
		assert.True(t, rec.LastSeen.Equal(*claimed.LastSeen))
	})
}

func TestLinkRegistry_LeaveFreesImmediately(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
		require.NoError(t, err)
		_, err = f.registry.Redeem(ctx, issued.Token, "X")
		require.NoError(t, err)

		assert.ErrorIs(t, f.registry.Leave(ctx, issued.Token, "Y"), ErrForbidden)
		require.NoError(t, f.registry.Leave(ctx, issued.Token, "X"))

		rec, err := f.registry.Redeem(ctx, issued.Token, "Y")
		require.NoError(t, err)
		assert.Equal(t, "Y", rec.OwnerClaim)
	})
}

func TestLinkRegistry_ConcurrentReclaimHasOneWinner(t *testing.T) {
	forEachBackend(t, func(t *testing.T, atomicStore bool) {
		f := newFixture(t, atomicStore)
		ctx := context.Background()

		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
		require.NoError(t, err)
		_, err = f.registry.Redeem(ctx, issued.Token, "X")
		require.NoError(t, err)
		f.clock.Advance(time.Minute)

		const contenders = 12
		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := []string{}
		start := make(chan struct{})
		for i := 0; i < contenders; i++ {
			wg.Add(1)
			go func(client string) {
				defer wg.Done()
				<-start
				_, err := f.registry.Redeem(ctx, issued.Token, client)
				if err == nil {
					mu.Lock()
					winners = append(winners, client)
					mu.Unlock()
					return
				}
				if !errors.Is(err, ErrForbidden) {
					t.Errorf("unexpected error for %s: %v", client, err)
				}
			}(fmt.Sprintf("client-%d", i))
		}
		close(start)
		wg.Wait()

		require.Len(t, winners, 1)
		rec, err := f.registry.Peek(ctx, issued.Token)
		require.NoError(t, err)
		assert.Equal(t, winners[0], rec.OwnerClaim)
	})
}

func TestLinkRegistry_OwnerClaimedBackstopTTL(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
	require.NoError(t, err)
	f.clock.Advance(25 * time.Hour)

	_, err = f.registry.Redeem(ctx, issued.Token, "X")
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLinkRegistry_RefreshRecord(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomE", Mode: model.ModeEphemeralTTL})
	require.NoError(t, err)

	f.clock.Advance(80 * time.Second)
	require.NoError(t, f.registry.Refresh(ctx, issued.Record))
	f.clock.Advance(80 * time.Second)
	_, err = f.registry.Peek(ctx, issued.Token)
	require.NoError(t, err, "refresh should have extended the ttl")

	require.NoError(t, f.registry.Revoke(ctx, issued.Token))
	assert.ErrorIs(t, f.registry.Refresh(ctx, issued.Record), ErrExpired, "refresh must not resurrect a revoked link")
}

func TestLinkRegistry_StoreErrors(t *testing.T) {
	backendErr := errors.New("connection refused")
	registry, err := NewLinkRegistry(&failingStore{err: backendErr}, DefaultPolicy())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = registry.Issue(ctx, IssueInput{ResourceRef: "RoomA", Mode: model.ModeSingleUse})
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, backendErr)

	_, err = registry.Redeem(ctx, "AbCdEfGhIjKlMnOpQrStU_", "c")
	assert.ErrorIs(t, err, ErrStore)

	var storeErr *StoreError
	require.ErrorAs(t, registry.Revoke(ctx, "AbCdEfGhIjKlMnOpQrStU_"), &storeErr)
	assert.Equal(t, "delete", storeErr.Op)
}

func TestLinkRegistry_CorruptRecordIsStoreError(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	token := "AbCdEfGhIjKlMnOpQrStU_"

	require.NoError(t, f.store.Put(ctx, token, []byte(`"RoomA42"`), 0))
	_, err := f.registry.Redeem(ctx, token, "c")
	assert.ErrorIs(t, err, ErrStore)
	assert.ErrorIs(t, err, model.ErrMalformedRecord)

	// A record stored under another token's key is rejected too.
	other := &model.LinkRecord{Token: "ZZZZZZZZZZZZZZZZZZZZZZ", ResourceRef: "RoomA", Mode: model.ModePersistent, CreatedAt: t0}
	data, err := other.Encode()
	require.NoError(t, err)
	require.NoError(t, f.store.Put(ctx, token, data, 0))
	_, err = f.registry.Redeem(ctx, token, "c")
	assert.ErrorIs(t, err, ErrStore)
}

func TestLinkRegistry_PeekDoesNotConsume(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA", Mode: model.ModeSingleUse})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err := f.registry.Peek(ctx, issued.Token)
		require.NoError(t, err)
	}
	_, err = f.registry.Redeem(ctx, issued.Token, "")
	require.NoError(t, err)
	_, err = f.registry.Peek(ctx, issued.Token)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestLinkRegistry_PublishesEvents(t *testing.T) {
	pub := &recordingPublisher{events: make(chan model.LinkEvent, 64)}
	f := newFixture(t, true, WithPublisher(pub))
	ctx := context.Background()

	issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA42", Mode: model.ModeSingleUse})
	require.NoError(t, err)
	_, err = f.registry.Redeem(ctx, issued.Token, "")
	require.NoError(t, err)

	ephemeral, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomE", Mode: model.ModeEphemeralTTL})
	require.NoError(t, err)
	_, err = f.registry.Heartbeat(ctx, ephemeral.Token, "client-7")
	require.NoError(t, err)

	var got []model.LinkEvent
	for i := 0; i < 4; i++ {
		select {
		case ev := <-pub.events:
			got = append(got, ev)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for events, have %v", got)
		}
	}
	require.Equal(t, []model.EventType{model.EventIssued, model.EventConsumed, model.EventIssued, model.EventHeartbeat},
		[]model.EventType{got[0].Type, got[1].Type, got[2].Type, got[3].Type})

	issuedEv := got[0]
	assert.Equal(t, "RoomA42", issuedEv.ResourceRef)
	assert.Equal(t, model.TokenFingerprint(issued.Token), issuedEv.TokenFingerprint)
	assert.NotContains(t, issuedEv.TokenFingerprint, issued.Token)
	require.NotNil(t, issuedEv.ExpiresAt)

	assert.Empty(t, got[1].ResourceRef, "only issue events carry the room")

	heartbeat := got[3]
	assert.Equal(t, model.TokenFingerprint(ephemeral.Token), heartbeat.TokenFingerprint)
	assert.Equal(t, model.ModeEphemeralTTL, heartbeat.Mode)
	assert.Equal(t, "client-7", heartbeat.ClientID)
	require.NotNil(t, heartbeat.ExpiresAt)
	assert.True(t, heartbeat.ExpiresAt.Equal(t0.Add(90*time.Second)))
}

func TestLinkRegistry_EventsFollowCommitOrder(t *testing.T) {
	pub := &recordingPublisher{events: make(chan model.LinkEvent, 512)}
	f := newFixture(t, true, WithPublisher(pub))
	ctx := context.Background()

	for i := 0; i < 200; i++ {
		issued, err := f.registry.Issue(ctx, IssueInput{ResourceRef: "RoomA42", Mode: model.ModeSingleUse})
		require.NoError(t, err)
		_, err = f.registry.Redeem(ctx, issued.Token, "")
		require.NoError(t, err)
	}
	require.Len(t, pub.events, 400)

	issuedAt := map[string]bool{}
	for i := 0; i < 400; i++ {
		ev := <-pub.events
		switch ev.Type {
		case model.EventIssued:
			issuedAt[ev.TokenFingerprint] = true
		case model.EventConsumed:
			require.True(t, issuedAt[ev.TokenFingerprint], "consumed published before issued")
		}
	}
}

func TestLinkRegistry_FallbackLocksAreReleased(t *testing.T) {
	clock := &testClock{now: t0}
	store := basicStore{repository.NewMemoryTokenStore(clock.Now)}
	r, err := NewLinkRegistry(store, DefaultPolicy(), WithClock(clock.Now))
	require.NoError(t, err)
	ctx := context.Background()

	issued, err := r.Issue(ctx, IssueInput{ResourceRef: "RoomB", Mode: model.ModeOwnerClaimed})
	require.NoError(t, err)
	_, err = r.Redeem(ctx, issued.Token, "X")
	require.NoError(t, err)

	assert.Equal(t, 0, r.(*linkRegistry).locks.size())
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.SingleUseTTL = time.Second
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.OwnerClaimTTL = 30 * time.Second
	assert.Error(t, p.Validate(), "backstop shorter than the inactivity timeout")

	p = DefaultPolicy()
	p.DefaultMode = "forever"
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.DefaultResource = "bad room"
	assert.Error(t, p.Validate())
}
