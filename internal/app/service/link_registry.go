package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/sifan077/RoomGate/internal/app/model"
	"github.com/sifan077/RoomGate/internal/app/repository"
	"github.com/sifan077/RoomGate/internal/infra/logger"
	"go.uber.org/zap"
)

const (
	defaultStoreTimeout    = 2 * time.Second
	defaultSwapAttempts    = 5
	issueAttempts          = 3
	mintedFilterCapacity   = 200_000
	mintedFilterFalseRatio = 1e-6
)

var errTokenCollision = errors.New("token collision")

// Policy holds the per-deployment lifecycle settings.
type Policy struct {
	SingleUseTTL      time.Duration
	EphemeralTTL      time.Duration
	OwnerClaimTTL     time.Duration
	InactivityTimeout time.Duration
	DefaultMode       model.Mode
	DefaultResource   string
}

// DefaultPolicy returns the policy used when nothing is configured.
func DefaultPolicy() Policy {
	return Policy{
		SingleUseTTL:      90 * time.Second,
		EphemeralTTL:      90 * time.Second,
		OwnerClaimTTL:     24 * time.Hour,
		InactivityTimeout: 45 * time.Second,
		DefaultMode:       model.ModeSingleUse,
	}
}

// TTL returns the storage ttl for mode; zero means no expiry.
func (p Policy) TTL(mode model.Mode) time.Duration {
	switch mode {
	case model.ModeSingleUse:
		return p.SingleUseTTL
	case model.ModeEphemeralTTL:
		return p.EphemeralTTL
	case model.ModeOwnerClaimed:
		return p.OwnerClaimTTL
	default:
		return 0
	}
}

// Validate rejects policies that cannot be enforced.
func (p Policy) Validate() error {
	for name, ttl := range map[string]time.Duration{
		"single-use ttl":    p.SingleUseTTL,
		"ephemeral ttl":     p.EphemeralTTL,
		"owner-claimed ttl": p.OwnerClaimTTL,
	} {
		if ttl < 10*time.Second || ttl > 24*time.Hour {
			return fmt.Errorf("%s must be between 10s and 24h, got %s", name, ttl)
		}
	}
	if p.InactivityTimeout <= 0 {
		return errors.New("inactivity timeout must be positive")
	}
	if p.OwnerClaimTTL <= p.InactivityTimeout {
		return errors.New("owner-claimed ttl must exceed the inactivity timeout")
	}
	if !p.DefaultMode.Valid() {
		return fmt.Errorf("default mode %q is not a link mode", p.DefaultMode)
	}
	if p.DefaultResource != "" && !model.ValidResourceRef(p.DefaultResource) {
		return fmt.Errorf("default resource %q is not a valid room name", p.DefaultResource)
	}
	return nil
}

// RedeemPath is the redemption path for token.
func RedeemPath(token string) string {
	return "/links/" + token
}

// IssueInput captures what a caller may choose when minting a link.
type IssueInput struct {
	ResourceRef string
	Mode        model.Mode
}

// IssuedLink is the result of a successful Issue.
type IssuedLink struct {
	Token      string
	RedeemPath string
	TTL        time.Duration
	Record     *model.LinkRecord
}

// LinkRegistry owns the lifecycle of link records.
type LinkRegistry interface {
	Issue(ctx context.Context, in IssueInput) (*IssuedLink, error)
	Redeem(ctx context.Context, token, clientID string) (*model.LinkRecord, error)
	Peek(ctx context.Context, token string) (*model.LinkRecord, error)
	Refresh(ctx context.Context, rec *model.LinkRecord) error
	Heartbeat(ctx context.Context, token, clientID string) (*model.LinkRecord, error)
	Leave(ctx context.Context, token, clientID string) error
	Revoke(ctx context.Context, token string) error
	Policy() Policy
}

// EventPublisher receives committed lifecycle events in commit order.
// Publish runs on the request path and must not block.
type EventPublisher interface {
	Publish(ctx context.Context, event model.LinkEvent) error
}

// Metrics observes registry outcomes.
type Metrics interface {
	LinkIssued(mode model.Mode)
	Redemption(mode model.Mode, outcome string)
	Heartbeat(outcome string)
	StoreError(op string)
}

type nopMetrics struct{}

func (nopMetrics) LinkIssued(model.Mode) {}
func (nopMetrics) Redemption(model.Mode, string) {}
func (nopMetrics) Heartbeat(string) {}
func (nopMetrics) StoreError(string) {}

// Option configures the registry.
type Option func(*linkRegistry) error

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *linkRegistry) error {
		if now == nil {
			return errors.New("nil clock")
		}
		r.now = now
		return nil
	}
}

// WithLogger sets the logger used for transition traces.
func WithLogger(logger *zap.Logger) Option {
	return func(r *linkRegistry) error {
		if logger != nil {
			r.logger = logger
		}
		return nil
	}
}

// WithPublisher emits lifecycle events after each committed write.
func WithPublisher(p EventPublisher) Option {
	return func(r *linkRegistry) error {
		r.publisher = p
		return nil
	}
}

// WithMetrics records outcomes.
func WithMetrics(m Metrics) Option {
	return func(r *linkRegistry) error {
		if m != nil {
			r.metrics = m
		}
		return nil
	}
}

// WithStoreTimeout bounds every store round-trip.
func WithStoreTimeout(d time.Duration) Option {
	return func(r *linkRegistry) error {
		if d <= 0 {
			return errors.New("store timeout must be positive")
		}
		r.storeTimeout = d
		return nil
	}
}

// WithSwapAttempts bounds the compare-and-swap retry loop.
func WithSwapAttempts(n int) Option {
	return func(r *linkRegistry) error {
		if n <= 0 {
			return errors.New("swap attempts must be positive")
		}
		r.swapAttempts = n
		return nil
	}
}

type linkRegistry struct {
	store        repository.TokenStore
	policy       Policy
	ownership    Ownership
	now          func() time.Time
	logger       *zap.Logger
	publisher    EventPublisher
	metrics      Metrics
	storeTimeout time.Duration
	swapAttempts int

	// locks serializes per-token writes when the store has no atomic primitive.
	locks *keyedMutex

	mintMu     sync.Mutex
	minted     *bloom.BloomFilter
	mintedSize uint
}

// NewLinkRegistry returns a registry backed by store. Atomic capabilities of
// the store (PutIfAbsent, GetAndDelete, CompareAndSwap) are used when present.
func NewLinkRegistry(store repository.TokenStore, policy Policy, opts ...Option) (LinkRegistry, error) {
	if store == nil {
		return nil, errors.New("link registry: nil token store")
	}
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("link registry: %w", err)
	}
	r := &linkRegistry{
		store:        store,
		policy:       policy,
		ownership:    Ownership{InactivityTimeout: policy.InactivityTimeout},
		now:          time.Now,
		logger:       zap.NewNop(),
		metrics:      nopMetrics{},
		storeTimeout: defaultStoreTimeout,
		swapAttempts: defaultSwapAttempts,
		locks:        newKeyedMutex(),
		minted:       bloom.NewWithEstimates(mintedFilterCapacity, mintedFilterFalseRatio),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(r); err != nil {
			return nil, fmt.Errorf("link registry: %w", err)
		}
	}
	return r, nil
}

func (r *linkRegistry) Policy() Policy { return r.policy }

func (r *linkRegistry) Issue(ctx context.Context, in IssueInput) (*IssuedLink, error) {
	ref := in.ResourceRef
	if ref == "" {
		ref = r.policy.DefaultResource
	}
	if !model.ValidResourceRef(ref) {
		return nil, ErrInvalidResource
	}
	mode := in.Mode
	if mode == "" {
		mode = r.policy.DefaultMode
	}
	if !mode.Valid() {
		return nil, ErrInvalidMode
	}

	ttl := r.policy.TTL(mode)
	for attempt := 0; attempt < issueAttempts; attempt++ {
		token, err := r.mintToken()
		if err != nil {
			return nil, fmt.Errorf("mint token: %w", err)
		}
		rec := &model.LinkRecord{
			Token:       token,
			ResourceRef: ref,
			Mode:        mode,
			CreatedAt:   r.now().UTC(),
		}
		data, err := rec.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode link: %w", err)
		}

		created, err := r.create(ctx, token, data, ttl)
		if err != nil {
			return nil, err
		}
		if !created {
			r.logger.Warn("token collision on issue", logger.Token(token))
			continue
		}

		r.metrics.LinkIssued(mode)
		r.emit(model.EventIssued, rec, "", ttl)
		return &IssuedLink{
			Token:      token,
			RedeemPath: RedeemPath(token),
			TTL:        ttl,
			Record:     rec,
		}, nil
	}
	return nil, storeError("issue", errTokenCollision)
}

func (r *linkRegistry) Redeem(ctx context.Context, token, clientID string) (rec *model.LinkRecord, err error) {
	mode := model.Mode("")
	defer func() {
		r.metrics.Redemption(mode, outcome(err))
	}()

	if !model.ValidToken(token) {
		return nil, ErrNotFound
	}
	raw, current, err := r.load(ctx, token)
	if err != nil {
		return nil, err
	}
	mode = current.Mode

	switch current.Mode {
	case model.ModeSingleUse:
		return r.consume(ctx, token)
	case model.ModeEphemeralTTL:
		if err := r.refresh(ctx, token, raw, r.policy.EphemeralTTL); err != nil {
			return nil, err
		}
		r.emit(model.EventRedeemed, current, clientID, r.policy.EphemeralTTL)
		return current, nil
	case model.ModeOwnerClaimed:
		return r.transition(ctx, token, r.ownership.Redeem, clientID)
	default:
		r.emit(model.EventRedeemed, current, clientID, 0)
		return current, nil
	}
}

func (r *linkRegistry) Peek(ctx context.Context, token string) (*model.LinkRecord, error) {
	if !model.ValidToken(token) {
		return nil, ErrNotFound
	}
	_, rec, err := r.load(ctx, token)
	return rec, err
}

func (r *linkRegistry) Refresh(ctx context.Context, rec *model.LinkRecord) error {
	if rec == nil {
		return ErrNotFound
	}
	ttl := r.policy.TTL(rec.Mode)
	if ttl == 0 {
		return nil
	}
	data, err := rec.Encode()
	if err != nil {
		return fmt.Errorf("encode link: %w", err)
	}
	err = r.refresh(ctx, rec.Token, data, ttl)
	if !errors.Is(err, ErrExpired) {
		return err
	}
	// The swap also fails when the record changed; tell the two apart.
	if _, _, loadErr := r.load(ctx, rec.Token); loadErr == nil {
		return ErrConflict
	}
	return ErrExpired
}

func (r *linkRegistry) Heartbeat(ctx context.Context, token, clientID string) (rec *model.LinkRecord, err error) {
	defer func() {
		r.metrics.Heartbeat(outcome(err))
	}()

	if !model.ValidToken(token) {
		return nil, ErrNotFound
	}
	raw, current, err := r.load(ctx, token)
	if err != nil {
		return nil, err
	}

	switch current.Mode {
	case model.ModeOwnerClaimed:
		return r.transition(ctx, token, r.ownership.Heartbeat, clientID)
	case model.ModeEphemeralTTL:
		if err := r.refresh(ctx, token, raw, r.policy.EphemeralTTL); err != nil {
			return nil, err
		}
		r.emit(model.EventHeartbeat, current, clientID, r.policy.EphemeralTTL)
		return current, nil
	default:
		return current, nil
	}
}

func (r *linkRegistry) Leave(ctx context.Context, token, clientID string) error {
	if !model.ValidToken(token) {
		return ErrNotFound
	}
	_, current, err := r.load(ctx, token)
	if err != nil {
		return err
	}
	if current.Mode != model.ModeOwnerClaimed {
		return nil
	}
	_, err = r.transition(ctx, token, r.ownership.Leave, clientID)
	return err
}

func (r *linkRegistry) Revoke(ctx context.Context, token string) error {
	if !model.ValidToken(token) {
		return ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()
	if err := r.store.Delete(ctx, token); err != nil {
		return r.failed("delete", err)
	}
	r.emit(model.EventRevoked, &model.LinkRecord{Token: token}, "", 0)
	return nil
}

// load reads and decodes the record, keeping the raw bytes for conditional writes.
func (r *linkRegistry) load(ctx context.Context, token string) ([]byte, *model.LinkRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	raw, err := r.store.Get(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return nil, nil, ErrExpired
		}
		return nil, nil, r.failed("get", err)
	}
	rec, err := decodeFor(token, raw)
	if err != nil {
		return nil, nil, r.failed("decode", err)
	}
	return raw, rec, nil
}

func decodeFor(token string, raw []byte) (*model.LinkRecord, error) {
	rec, err := model.DecodeLinkRecord(raw)
	if err != nil {
		return nil, err
	}
	if rec.Token != token {
		return nil, fmt.Errorf("%w: token mismatch", model.ErrMalformedRecord)
	}
	return rec, nil
}

func (r *linkRegistry) create(ctx context.Context, token string, data []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if cs, ok := r.store.(repository.CreateStore); ok {
		created, err := cs.PutIfAbsent(ctx, token, data, ttl)
		if err != nil {
			return false, r.failed("put", err)
		}
		return created, nil
	}

	unlock := r.locks.Lock(token)
	defer unlock()
	if _, err := r.store.Get(ctx, token); err == nil {
		return false, nil
	} else if !errors.Is(err, repository.ErrKeyNotFound) {
		return false, r.failed("get", err)
	}
	if err := r.store.Put(ctx, token, data, ttl); err != nil {
		return false, r.failed("put", err)
	}
	return true, nil
}

// consume deletes a single-use record atomically with its final read.
func (r *linkRegistry) consume(ctx context.Context, token string) (*model.LinkRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	var raw []byte
	if ts, ok := r.store.(repository.TakeStore); ok {
		taken, err := ts.GetAndDelete(ctx, token)
		if err != nil {
			if errors.Is(err, repository.ErrKeyNotFound) {
				return nil, ErrExpired
			}
			return nil, r.failed("getdel", err)
		}
		raw = taken
	} else {
		// Only serializes redemptions within this process.
		unlock := r.locks.Lock(token)
		defer unlock()
		got, err := r.store.Get(ctx, token)
		if err != nil {
			if errors.Is(err, repository.ErrKeyNotFound) {
				return nil, ErrExpired
			}
			return nil, r.failed("get", err)
		}
		if err := r.store.Delete(ctx, token); err != nil {
			return nil, r.failed("delete", err)
		}
		raw = got
	}

	rec, err := decodeFor(token, raw)
	if err != nil {
		return nil, r.failed("decode", err)
	}
	r.emit(model.EventConsumed, rec, "", 0)
	return rec, nil
}

// refresh rewrites raw with a fresh ttl, only while the record is unchanged.
func (r *linkRegistry) refresh(ctx context.Context, token string, raw []byte, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if ss, ok := r.store.(repository.SwapStore); ok {
		swapped, err := ss.CompareAndSwap(ctx, token, raw, raw, ttl)
		if err != nil {
			return r.failed("swap", err)
		}
		if !swapped {
			return ErrExpired
		}
		return nil
	}

	unlock := r.locks.Lock(token)
	defer unlock()
	if _, err := r.store.Get(ctx, token); err != nil {
		if errors.Is(err, repository.ErrKeyNotFound) {
			return ErrExpired
		}
		return r.failed("get", err)
	}
	if err := r.store.Put(ctx, token, raw, ttl); err != nil {
		return r.failed("put", err)
	}
	return nil
}

type decision func(rec *model.LinkRecord, clientID string, now time.Time) (*model.LinkRecord, model.EventType, error)

// transition runs one ownership decision against the stored record and
// commits it with compare-and-swap, re-deciding when the record moved.
func (r *linkRegistry) transition(ctx context.Context, token string, decide decision, clientID string) (*model.LinkRecord, error) {
	ttl := r.policy.TTL(model.ModeOwnerClaimed)

	ss, ok := r.store.(repository.SwapStore)
	if !ok {
		unlock := r.locks.Lock(token)
		defer unlock()
	}

	for attempt := 0; attempt < r.swapAttempts; attempt++ {
		raw, current, err := r.load(ctx, token)
		if err != nil {
			return nil, err
		}
		next, event, err := decide(current, clientID, r.now())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return current, nil
		}
		data, err := next.Encode()
		if err != nil {
			return nil, fmt.Errorf("encode link: %w", err)
		}

		committed, err := r.commit(ctx, ss, token, raw, data, ttl)
		if err != nil {
			return nil, err
		}
		if !committed {
			continue
		}

		if event == model.EventReclaimed {
			r.logger.Info("stale claim reassigned",
				logger.Token(token),
				zap.Duration("idle", r.now().Sub(*current.LastSeen)),
			)
		}
		r.emit(event, next, clientID, ttl)
		return next, nil
	}
	return nil, ErrConflict
}

func (r *linkRegistry) commit(ctx context.Context, ss repository.SwapStore, token string, old, data []byte, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.storeTimeout)
	defer cancel()

	if ss != nil {
		swapped, err := ss.CompareAndSwap(ctx, token, old, data, ttl)
		if err != nil {
			return false, r.failed("swap", err)
		}
		return swapped, nil
	}
	// The caller holds the token lock, so the record read by load is still current.
	if err := r.store.Put(ctx, token, data, ttl); err != nil {
		return false, r.failed("put", err)
	}
	return true, nil
}

func (r *linkRegistry) mintToken() (string, error) {
	r.mintMu.Lock()
	defer r.mintMu.Unlock()

	if r.mintedSize >= mintedFilterCapacity {
		r.minted.ClearAll()
		r.mintedSize = 0
	}
	for i := 0; i < issueAttempts; i++ {
		token, err := gonanoid.New(model.TokenLength)
		if err != nil {
			return "", err
		}
		if r.minted.TestAndAddString(token) {
			continue
		}
		r.mintedSize++
		return token, nil
	}
	return "", errTokenCollision
}

func (r *linkRegistry) failed(op string, err error) error {
	r.metrics.StoreError(op)
	return storeError(op, err)
}

func (r *linkRegistry) emit(typ model.EventType, rec *model.LinkRecord, clientID string, ttl time.Duration) {
	if r.publisher == nil {
		return
	}
	now := r.now().UTC()
	event := model.LinkEvent{
		Type:             typ,
		TokenFingerprint: model.TokenFingerprint(rec.Token),
		Mode:             rec.Mode,
		ClientID:         clientID,
		Timestamp:        now,
	}
	if typ == model.EventIssued {
		event.ResourceRef = rec.ResourceRef
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		event.ExpiresAt = &expires
	}

	if err := r.publisher.Publish(context.Background(), event); err != nil {
		r.logger.Warn("failed to publish link event",
			zap.String("type", string(event.Type)),
			zap.String("token_fp", event.TokenFingerprint[:12]),
			zap.Error(err),
		)
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "granted"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	default:
		return "error"
	}
}
