package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cradle/internal/push"
	"go.uber.org/zap"
)

const (
	RealtimeEventSync      = "sync-event"
	realtimeEventReady     = "ready"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "cradle-backend"
	defaultStreamBuffer    = 16
)

// RealtimeMessage tells one caregiver that new sync events are available.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Sequence  int64
	BabyIDs   []int64
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to each user's open streams. Slow subscribers drop messages.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  defaultStreamBuffer,
	}
}

// Subscribe registers a stream for userID that is removed when ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{stream: make(chan RealtimeMessage, d.bufferSize)}

	d.mu.Lock()
	d.nextID++
	subscriber.id = d.nextID
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
	d.mu.Unlock()

	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(userID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers message to every stream of message.UserID without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the open streams for userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subscribers := d.subscribers[userID]
	if subscribers == nil {
		return
	}
	delete(subscribers, subscriberID)
	if len(subscribers) == 0 {
		delete(d.subscribers, userID)
	}
}

// HolderLookup lists the caregivers holding access to any of the given babies.
type HolderLookup interface {
	HoldersOf(ctx context.Context, babyIDs []int64) ([]string, error)
}

// RealtimeNotifier turns accepted push changes into realtime messages.
type RealtimeNotifier struct {
	dispatcher *RealtimeDispatcher
	holders    HolderLookup
	clock      func() time.Time
	logger     *zap.Logger
}

// NewRealtimeNotifier constructs a notifier publishing through dispatcher.
func NewRealtimeNotifier(dispatcher *RealtimeDispatcher, holders HolderLookup, logger *zap.Logger) *RealtimeNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RealtimeNotifier{dispatcher: dispatcher, holders: holders, clock: time.Now, logger: logger}
}

// Notify implements push.Notifier. Delivery is best-effort.
func (n *RealtimeNotifier) Notify(ctx context.Context, change push.Change) {
	recipients := map[string]struct{}{}
	if change.Catalog {
		recipients[change.ActorID] = struct{}{}
	}
	holders, err := n.holders.HoldersOf(ctx, change.BabyIDs)
	if err != nil {
		n.logger.Warn("realtime recipients lookup failed", zap.Error(err), zap.Int64s("baby_ids", change.BabyIDs))
	}
	for _, holder := range holders {
		recipients[holder] = struct{}{}
	}
	now := n.clock().UTC()
	for userID := range recipients {
		n.dispatcher.Publish(RealtimeMessage{
			UserID:    userID,
			EventType: RealtimeEventSync,
			Sequence:  change.Sequence,
			BabyIDs:   change.BabyIDs,
			Timestamp: now,
		})
	}
}
