package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/oklog/ulid/v2"
	"github.com/sifan077/RoomGate/internal/app/model"
	"go.uber.org/zap"
)

const (
	defaultPublishQueue   = 1024
	defaultPublishTimeout = 5 * time.Second
)

var (
	ErrPublisherClosed  = errors.New("link event publisher closed")
	ErrPublishQueueFull = errors.New("link event queue full")
)

// jetStreamPublisher is the subset of nats.JetStreamContext used for publishing.
type jetStreamPublisher interface {
	Publish(subj string, data []byte, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// LinkEventPublisher publishes link lifecycle events to NATS JetStream.
// Events are queued and sent by a single worker, in the order Publish saw them.
type LinkEventPublisher struct {
	js      jetStreamPublisher
	logger  *zap.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	queue  chan model.LinkEvent
	done   chan struct{}
}

// NewLinkEventPublisher creates a publisher and starts its worker. Call Close to drain it.
func NewLinkEventPublisher(js nats.JetStreamContext, logger *zap.Logger) *LinkEventPublisher {
	return newLinkEventPublisher(js, logger, defaultPublishQueue)
}

func newLinkEventPublisher(js jetStreamPublisher, logger *zap.Logger, size int) *LinkEventPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &LinkEventPublisher{
		js:      js,
		logger:  logger,
		timeout: defaultPublishTimeout,
		queue:   make(chan model.LinkEvent, size),
		done:    make(chan struct{}),
	}
	go p.run()
	return p
}

// Publish queues event without blocking, assigning an ID when missing.
func (p *LinkEventPublisher) Publish(_ context.Context, event model.LinkEvent) error {
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPublisherClosed
	}
	select {
	case p.queue <- event:
		return nil
	default:
		return ErrPublishQueueFull
	}
}

// Close stops accepting events and waits for the queued ones to be sent.
func (p *LinkEventPublisher) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
}

func (p *LinkEventPublisher) run() {
	defer close(p.done)
	for event := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		err := p.send(ctx, event)
		cancel()
		if err != nil {
			p.logger.Warn("failed to publish link event",
				zap.String("id", event.ID),
				zap.String("type", string(event.Type)),
				zap.Error(err),
			)
		}
	}
}

func (p *LinkEventPublisher) send(ctx context.Context, event model.LinkEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// The event ID doubles as the JetStream dedup key.
	_, err = p.js.Publish(model.LinkStreamSubject, data, nats.Context(ctx), nats.MsgId(event.ID))
	return err
}

// EnsureLinkStream creates the links stream when it does not exist yet.
func EnsureLinkStream(js nats.JetStreamManager) error {
	_, err := js.StreamInfo(model.LinkStreamName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, nats.ErrStreamNotFound) {
		return fmt.Errorf("failed to look up stream: %w", err)
	}
	_, err = js.AddStream(&nats.StreamConfig{
		Name:     model.LinkStreamName,
		Subjects: []string{model.LinkStreamSubject},
		MaxBytes: model.LinkStreamMaxBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}
