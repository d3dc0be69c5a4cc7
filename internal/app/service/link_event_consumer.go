package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/sifan077/RoomGate/internal/app/model"
	apprepository "github.com/sifan077/RoomGate/internal/app/repository"
	"go.uber.org/zap"
)

const (
	consumerBatchSize  = 10
	consumerFetchWait  = 5 * time.Second
	consumerErrBackoff = time.Second
)

var errUndecodableEvent = errors.New("undecodable link event")

// LinkEventConsumer folds link events from NATS JetStream into the audit table.
type LinkEventConsumer struct {
	js     nats.JetStreamContext
	logger *zap.Logger
	repo   apprepository.LinkAuditRepository
}

// NewLinkEventConsumer creates a new link event consumer.
func NewLinkEventConsumer(js nats.JetStreamContext, logger *zap.Logger, repo apprepository.LinkAuditRepository) *LinkEventConsumer {
	return &LinkEventConsumer{js: js, logger: logger, repo: repo}
}

// Start ensures the stream and durable consumer exist, then consumes until ctx is done.
func (c *LinkEventConsumer) Start(ctx context.Context) error {
	if err := EnsureLinkStream(c.js); err != nil {
		return err
	}

	_, err := c.js.ConsumerInfo(model.LinkStreamName, model.LinkConsumerName)
	if err != nil {
		_, err = c.js.AddConsumer(model.LinkStreamName, &nats.ConsumerConfig{
			Durable:   model.LinkConsumerName,
			AckPolicy: nats.AckExplicitPolicy,
		})
		if err != nil {
			return fmt.Errorf("failed to create consumer: %w", err)
		}
	}

	sub, err := c.js.PullSubscribe(model.LinkStreamSubject, model.LinkConsumerName)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	go c.consume(ctx, sub)
	return nil
}

func (c *LinkEventConsumer) consume(ctx context.Context, sub *nats.Subscription) {
	defer func() {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			c.logger.Warn("failed to unsubscribe link consumer", zap.Error(err))
		}
	}()

	for {
		if ctx.Err() != nil {
			c.logger.Info("link event consumer stopped")
			return
		}

		msgs, err := sub.Fetch(consumerBatchSize, nats.MaxWait(consumerFetchWait))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			c.logger.Error("failed to fetch messages", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(consumerErrBackoff):
			}
			continue
		}

		for _, msg := range msgs {
			err := c.handle(ctx, msg.Data)
			switch {
			case err == nil:
				_ = msg.Ack()
			case errors.Is(err, errUndecodableEvent):
				c.logger.Error("dropping link event", zap.Error(err))
				_ = msg.Term()
			default:
				c.logger.Error("failed to store link event", zap.Error(err))
				_ = msg.Nak()
			}
		}
	}
}

// handle applies one encoded event to the audit trail.
func (c *LinkEventConsumer) handle(ctx context.Context, data []byte) error {
	var event model.LinkEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return fmt.Errorf("%w: %v", errUndecodableEvent, err)
	}
	if event.TokenFingerprint == "" || event.Type == "" {
		return fmt.Errorf("%w: missing fingerprint or type", errUndecodableEvent)
	}

	if event.Type == model.EventIssued {
		eventAt := event.Timestamp
		return c.repo.Create(ctx, &model.LinkAudit{
			TokenFingerprint: event.TokenFingerprint,
			ResourceRef:      event.ResourceRef,
			Mode:             string(event.Mode),
			Status:           model.AuditStatusActive,
			LastEventAt:      &eventAt,
			ExpiresAt:        event.ExpiresAt,
		})
	}

	update, ok := auditUpdateFor(event)
	if !ok {
		c.logger.Warn("ignoring unknown link event type", zap.String("type", string(event.Type)))
		return nil
	}
	err := c.repo.Apply(ctx, event.TokenFingerprint, update)
	if errors.Is(err, apprepository.ErrAuditNotFound) {
		// The issue event is late or was lost; its row is filled in when it lands.
		c.logger.Debug("seeding audit row from link event",
			zap.String("type", string(event.Type)),
			zap.String("token_fp", event.TokenFingerprint[:min(12, len(event.TokenFingerprint))]),
		)
		err = c.repo.Seed(ctx, seededAudit(event, update))
		if errors.Is(err, apprepository.ErrAuditExists) {
			err = c.repo.Apply(ctx, event.TokenFingerprint, update)
		}
	}
	if err != nil {
		return err
	}

	c.logger.Debug("link event stored",
		zap.String("id", event.ID),
		zap.String("type", string(event.Type)),
		zap.Time("timestamp", event.Timestamp),
	)
	return nil
}

func seededAudit(event model.LinkEvent, update apprepository.AuditUpdate) *model.LinkAudit {
	status := update.Status
	if status == "" {
		status = model.AuditStatusActive
	}
	eventAt := update.EventAt
	return &model.LinkAudit{
		TokenFingerprint: event.TokenFingerprint,
		Mode:             string(event.Mode),
		Status:           status,
		Redemptions:      update.AddRedemptions,
		Reclaims:         update.AddReclaims,
		LastClientID:     update.LastClientID,
		LastEventAt:      &eventAt,
		ExpiresAt:        update.ExpiresAt,
	}
}

func auditUpdateFor(event model.LinkEvent) (apprepository.AuditUpdate, bool) {
	update := apprepository.AuditUpdate{
		LastClientID: event.ClientID,
		ExpiresAt:    event.ExpiresAt,
		EventAt:      event.Timestamp,
	}
	switch event.Type {
	case model.EventRedeemed, model.EventClaimed:
		update.AddRedemptions = 1
	case model.EventReclaimed:
		update.AddRedemptions = 1
		update.AddReclaims = 1
	case model.EventConsumed:
		update.AddRedemptions = 1
		update.Status = model.AuditStatusConsumed
	case model.EventRevoked:
		update.Status = model.AuditStatusRevoked
	case model.EventHeartbeat, model.EventReleased:
	default:
		return apprepository.AuditUpdate{}, false
	}
	return update, true
}
