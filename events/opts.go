package events

// subSettings holds the per-Subscription options a Bus.Subscribe call
// can be tuned with.
type subSettings struct {
	buffer int
}

// subSettingsDefault sizes a subscriber's channel generously enough
// that a burst of fetch or finalize events doesn't stall the emitting
// goroutine waiting on a slow consumer.
var subSettingsDefault = subSettings{
	buffer: 16,
}

// BufSize overrides a subscriber's channel capacity.
func BufSize(n int) func(interface{}) error {
	return func(s interface{}) error {
		s.(*subSettings).buffer = n
		return nil
	}
}
