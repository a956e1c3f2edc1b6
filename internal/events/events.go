// Package events carries domain notifications between services over an
// in-process watermill pub/sub.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"formpilot/api/internal/logging"
)

type Type string

const (
	FormChanged  Type = "form.changed"
	FormDeleted  Type = "form.deleted"
	MemberJoined Type = "workspace.member_joined"
)

type FormEvent struct {
	Type        Type      `json:"type"`
	FormID      string    `json:"formId"`
	WorkspaceID string    `json:"workspaceId,omitempty"`
	At          time.Time `json:"at"`
}

type MemberEvent struct {
	WorkspaceID string    `json:"workspaceId"`
	UserID      string    `json:"userId"`
	Role        string    `json:"role"`
	At          time.Time `json:"at"`
}

// Publisher is what services depend on. A nil Publisher is valid in
// services and simply skips notification.
type Publisher interface {
	PublishForm(ctx context.Context, event FormEvent) error
	PublishMember(ctx context.Context, event MemberEvent) error
}

type Bus struct {
	pubSub *gochannel.GoChannel
	logger *slog.Logger
}

func NewBus(logger *slog.Logger) *Bus {
	logger = logging.Or(logger, "events")
	return &Bus{
		pubSub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 256},
			watermill.NewSlogLogger(logger),
		),
		logger: logger,
	}
}

func (b *Bus) PublishForm(ctx context.Context, event FormEvent) error {
	return b.publish(ctx, string(event.Type), event)
}

func (b *Bus) PublishMember(ctx context.Context, event MemberEvent) error {
	return b.publish(ctx, string(MemberJoined), event)
}

func (b *Bus) publish(ctx context.Context, topic string, event any) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewULID(), payload)
	msg.SetContext(ctx)
	if err := b.pubSub.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// SubscribeForms delivers form.changed and form.deleted events to handler
// until ctx is done. A handler error is logged and the message dropped;
// gochannel redelivers nacked messages immediately.
func (b *Bus) SubscribeForms(ctx context.Context, handler func(context.Context, FormEvent) error) error {
	for _, topic := range []Type{FormChanged, FormDeleted} {
		messages, err := b.pubSub.Subscribe(ctx, string(topic))
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		go b.consume(ctx, string(topic), messages, func(ctx context.Context, payload []byte) error {
			var event FormEvent
			if err := json.Unmarshal(payload, &event); err != nil {
				return err
			}
			return handler(ctx, event)
		})
	}
	return nil
}

func (b *Bus) SubscribeMembers(ctx context.Context, handler func(context.Context, MemberEvent) error) error {
	messages, err := b.pubSub.Subscribe(ctx, string(MemberJoined))
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", MemberJoined, err)
	}
	go b.consume(ctx, string(MemberJoined), messages, func(ctx context.Context, payload []byte) error {
		var event MemberEvent
		if err := json.Unmarshal(payload, &event); err != nil {
			return err
		}
		return handler(ctx, event)
	})
	return nil
}

func (b *Bus) consume(ctx context.Context, topic string, messages <-chan *message.Message, handle func(context.Context, []byte) error) {
	for msg := range messages {
		if err := handle(ctx, msg.Payload); err != nil {
			b.logger.Warn("event handler failed", "topic", topic, "message_id", msg.UUID, "error", err)
		}
		msg.Ack()
	}
}

func (b *Bus) Close() error {
	return b.pubSub.Close()
}
