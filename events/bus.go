package events

import "io"

// SubscriptionOpt configures a Subscribe call.
type SubscriptionOpt = func(interface{}) error

// CancelFunc closes a subscriber.
type CancelFunc = func()

// Subscription is an open channel receiving one or more of the five
// event kinds a Bus carries.
type Subscription interface {
	io.Closer

	// Out returns the channel from which to consume events.
	Out() <-chan interface{}
}

// Bus delivers the five event kinds the mail client ever emits —
// NewMail, TransactionNotice, MessageStatusChanged, MessageFinalized
// and IndexingFinished — to whoever has subscribed to them.
type Bus interface {
	// Subscribe opens a Subscription to one event kind, or several at
	// once when passed a []interface{} of pointers to zero-value
	// events under a single channel.
	//
	// Failing to drain the channel blocks every future Emit of that
	// kind.
	//
	//  sub, err := bus.Subscribe(&events.NewMail{})
	//  defer sub.Close()
	//  for e := range sub.Out() {
	//      nm := e.(*events.NewMail)
	//      [...]
	//  }
	Subscribe(eventType interface{}, opts ...SubscriptionOpt) (Subscription, error)

	// Emit delivers event to every subscriber of its kind. It panics
	// if event is not one of the five recognized kinds, and blocks if
	// any subscribed channel is full.
	Emit(event interface{})
}
