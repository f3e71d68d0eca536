package items

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Service implements the item operations exposed over HTTP.
type Service struct {
	store     Store
	publisher Publisher
	topic     string
	clock     Clock
	logger    *zap.Logger
}

// NewService wires the store with an optional publisher. A nil publisher or
// empty topic disables event notifications.
func NewService(store Store, publisher Publisher, topic string, clock Clock, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		store:     store,
		publisher: publisher,
		topic:     topic,
		clock:     clock,
		logger:    logger,
	}
}

// List returns every item ordered by id.
func (s *Service) List(ctx context.Context) ([]Item, error) {
	list, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	if list == nil {
		list = []Item{}
	}
	return list, nil
}

// Create validates name, inserts it, and announces the new item. Publishing
// is best-effort and never fails the call once the insert has committed.
func (s *Service) Create(ctx context.Context, name *string) (Item, error) {
	if err := Validate(name); err != nil {
		return Item{}, err
	}
	item, err := s.store.Insert(ctx, *name)
	if err != nil {
		return Item{}, fmt.Errorf("create item: %w", err)
	}
	s.announce(ctx, item)
	return item, nil
}

func (s *Service) announce(ctx context.Context, item Item) {
	if s.publisher == nil || s.topic == "" {
		return
	}
	evt := CreatedEvent{Type: EventItemCreated, Item: item}
	if s.clock != nil {
		evt.OccurredAt = s.clock.Now()
	}
	msgID, err := s.publisher.Publish(ctx, s.topic, evt)
	if err != nil {
		s.logger.Warn("publish item event failed",
			zap.Int64("item_id", item.ID),
			zap.String("topic", s.topic),
			zap.Error(err),
		)
		return
	}
	s.logger.Debug("item event published",
		zap.Int64("item_id", item.ID),
		zap.String("message_id", msgID),
	)
}
