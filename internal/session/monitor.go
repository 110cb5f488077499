package session

import "context"

// Monitor is the handle of one running range re-validation loop.
type Monitor struct {
	placeID string
	userID  string
	cancel  context.CancelFunc
	done    chan struct{}
}

// PlaceID returns the monitored place.
func (m *Monitor) PlaceID() string {
	return m.placeID
}

// UserID returns the monitored user.
func (m *Monitor) UserID() string {
	return m.userID
}

// Done is closed once the loop has exited, either because it was stopped or
// because the member went out of range.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// Active reports whether the loop is still running.
func (m *Monitor) Active() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}
