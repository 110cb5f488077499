package presence

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Unsubscribe cancels a subscription. It is idempotent and returns once no
// further callbacks will run, so it must not be called from inside the callback.
type Unsubscribe func()

// SubscribeAllOnline delivers the full list of online records immediately and
// again after every change to any presence record.
func (s *Store) SubscribeAllOnline(callback func([]Online)) Unsubscribe {
	return s.subscribe(nil, callback)
}

// SubscribeByPlace is SubscribeAllOnline restricted to records whose current place is placeID.
func (s *Store) SubscribeByPlace(placeID string, callback func([]Online)) Unsubscribe {
	return s.subscribe(filterByPlace(placeID), callback)
}

func (s *Store) subscribe(filter func([]Online) []Online, callback func([]Online)) Unsubscribe {
	ctx, cancel := context.WithCancel(context.Background())
	pubsub := s.client.Subscribe(ctx, s.changesChannel())
	done := make(chan struct{})

	go func() {
		defer close(done)
		defer pubsub.Close()

		// The snapshot is taken after the subscription is confirmed so that no
		// change between the two is missed.
		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("presence subscription confirmation failed", zap.Error(err))
		}
		s.deliver(ctx, filter, callback)

		changes := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
				drainPending(changes)
				s.deliver(ctx, filter, callback)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

func (s *Store) deliver(ctx context.Context, filter func([]Online) []Online, callback func([]Online)) {
	if ctx.Err() != nil {
		return
	}
	snapshot, err := s.ListOnline(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("presence snapshot failed", zap.Error(err))
		}
		return
	}
	if filter != nil {
		snapshot = filter(snapshot)
	}
	if ctx.Err() != nil {
		return
	}
	callback(snapshot)
}

func drainPending[T any](changes <-chan T) {
	for {
		select {
		case _, ok := <-changes:
			if !ok {
				return
			}
		default:
			return
		}
	}
}
