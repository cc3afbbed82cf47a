package notify

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nftmarket/go-market-sync/domain"
)

// Notification is the fire-and-forget signal handed to the presentation
// layer after an event was processed.
type Notification struct {
	EventType domain.EventType
	Data      any
}

// Observer receives update counter increments. Satisfied by
// metrics.Metrics.
type Observer interface {
	GalleryUpdate()
	MarketplaceUpdate()
}

// Notifier is the explicit observer registry the core publishes to
// without knowing the rendering mechanism. Publishing never fails and
// never blocks: subscriber callbacks run on their own goroutine and a
// panicking subscriber is logged and dropped for that notification.
// The update counters let pollers decide when to re-render.
type Notifier struct {
	logger   *zap.SugaredLogger
	observer Observer

	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Notification)

	galleryUpdates     atomic.Uint64
	marketplaceUpdates atomic.Uint64
}

func NewNotifier(logger *zap.SugaredLogger, observer Observer) *Notifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Notifier{
		logger:   logger,
		observer: observer,
		subs:     make(map[int]func(Notification)),
	}
}

// Subscribe registers a callback and returns its subscription id.
func (n *Notifier) Subscribe(callback func(Notification)) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	n.subs[n.nextID] = callback
	return n.nextID
}

func (n *Notifier) Unsubscribe(id int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs, id)
}

// Publish fans the notification out to all subscribers and bumps the
// relevant update counters.
func (n *Notifier) Publish(eventType domain.EventType, data any) {
	switch eventType {
	case domain.EventMinted, domain.EventTransferred:
		n.galleryUpdates.Add(1)
		if n.observer != nil {
			n.observer.GalleryUpdate()
		}
	case domain.EventSaleCompleted:
		n.galleryUpdates.Add(1)
		n.marketplaceUpdates.Add(1)
		if n.observer != nil {
			n.observer.GalleryUpdate()
			n.observer.MarketplaceUpdate()
		}
	case domain.EventListingCreated, domain.EventListingRemoved:
		n.marketplaceUpdates.Add(1)
		if n.observer != nil {
			n.observer.MarketplaceUpdate()
		}
	}

	notification := Notification{EventType: eventType, Data: data}

	n.mu.RLock()
	callbacks := make([]func(Notification), 0, len(n.subs))
	for _, callback := range n.subs {
		callbacks = append(callbacks, callback)
	}
	n.mu.RUnlock()

	for _, callback := range callbacks {
		go func(cb func(Notification)) {
			defer func() {
				if r := recover(); r != nil {
					n.logger.Warnw("notification subscriber panicked", "panic", r)
				}
			}()
			cb(notification)
		}(callback)
	}
}

// GalleryUpdates returns the number of gallery-affecting updates
// published so far.
func (n *Notifier) GalleryUpdates() uint64 {
	return n.galleryUpdates.Load()
}

// MarketplaceUpdates returns the number of marketplace-affecting
// updates published so far.
func (n *Notifier) MarketplaceUpdates() uint64 {
	return n.marketplaceUpdates.Load()
}
