package events

import (
	"fmt"
	"sync"
)

// kind enumerates the fixed set of event types this bus ever carries.
// Fixing the set lets delivery index a small array instead of hashing
// on reflect.Type, and turns a mistyped Emit/Subscribe argument into an
// immediate error rather than a silently unmatched subscription.
type kind int

const (
	kindNewMail kind = iota
	kindTransactionNotice
	kindMessageStatusChanged
	kindMessageFinalized
	kindIndexingFinished
	numKinds
)

func kindOf(event interface{}) (kind, error) {
	switch event.(type) {
	case *NewMail:
		return kindNewMail, nil
	case *TransactionNotice:
		return kindTransactionNotice, nil
	case *MessageStatusChanged:
		return kindMessageStatusChanged, nil
	case *MessageFinalized:
		return kindMessageFinalized, nil
	case *IndexingFinished:
		return kindIndexingFinished, nil
	default:
		return 0, fmt.Errorf("events: %T is not one of the recognized event types", event)
	}
}

// basicBus is a fixed-kind event delivery system.
type basicBus struct {
	lk   sync.Mutex
	subs [numKinds][]*sub
}

var _ Bus = (*basicBus)(nil)

// NewBus returns a bus ready to carry the five obmail event kinds.
func NewBus() Bus {
	return &basicBus{}
}

func (b *basicBus) Emit(event interface{}) {
	k, err := kindOf(event)
	if err != nil {
		panic(err)
	}

	b.lk.Lock()
	defer b.lk.Unlock()
	for _, s := range b.subs[k] {
		s.ch <- event
	}
}

func (b *basicBus) dropSubscriber(k kind, s *sub) {
	b.lk.Lock()
	defer b.lk.Unlock()

	subs := b.subs[k]
	for i, cur := range subs {
		if cur == s {
			b.subs[k] = append(subs[:i], subs[i+1:]...)
			return
		}
	}
}

type sub struct {
	ch    chan interface{}
	kinds []kind
	drop  func(k kind, s *sub)
}

func (s *sub) Out() <-chan interface{} {
	return s.ch
}

func (s *sub) Close() error {
	go func() {
		// Drain so a publisher blocked mid-Emit on this channel can
		// still make progress while we unregister.
		for range s.ch {
		}
	}()

	for _, k := range s.kinds {
		s.drop(k, s)
	}
	close(s.ch)
	return nil
}

var _ Subscription = (*sub)(nil)

// Subscribe registers a new Subscription for one event kind, or for
// several at once when eventType is a []interface{} of pointers.
func (b *basicBus) Subscribe(eventType interface{}, opts ...SubscriptionOpt) (_ Subscription, err error) {
	types, ok := eventType.([]interface{})
	if !ok {
		types = []interface{}{eventType}
	}

	kinds := make([]kind, 0, len(types))
	for _, t := range types {
		k, err := kindOf(t)
		if err != nil {
			return nil, err
		}
		kinds = append(kinds, k)
	}

	settings := subSettingsDefault
	for _, opt := range opts {
		if err := opt(&settings); err != nil {
			return nil, err
		}
	}

	out := &sub{
		ch:    make(chan interface{}, settings.buffer),
		kinds: kinds,
		drop:  b.dropSubscriber,
	}

	b.lk.Lock()
	for _, k := range kinds {
		b.subs[k] = append(b.subs[k], out)
	}
	b.lk.Unlock()

	return out, nil
}
