package registry

// Observer receives registry transitions. Methods run inside the registry's
// critical section and must not block.
type Observer interface {
	SessionAdmitted(identity string)
	SessionRejected(identity string)
	SessionReleased(identity string)
	RoomOpened(pin string, capacity int)
	RoomClosed(pin string)
	PresenceChanged(pin string, count, capacity int)
	MessageRelayed(pin string, recipients int)
}

// NopObserver ignores every transition.
type NopObserver struct{}

func (NopObserver) SessionAdmitted(string)           {}
func (NopObserver) SessionRejected(string)           {}
func (NopObserver) SessionReleased(string)           {}
func (NopObserver) RoomOpened(string, int)           {}
func (NopObserver) RoomClosed(string)                {}
func (NopObserver) PresenceChanged(string, int, int) {}
func (NopObserver) MessageRelayed(string, int)       {}

type observers []Observer

// Observers fans each transition out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	out := make(observers, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

func (o observers) SessionAdmitted(identity string) {
	for _, ob := range o {
		ob.SessionAdmitted(identity)
	}
}

func (o observers) SessionRejected(identity string) {
	for _, ob := range o {
		ob.SessionRejected(identity)
	}
}

func (o observers) SessionReleased(identity string) {
	for _, ob := range o {
		ob.SessionReleased(identity)
	}
}

func (o observers) RoomOpened(pin string, capacity int) {
	for _, ob := range o {
		ob.RoomOpened(pin, capacity)
	}
}

func (o observers) RoomClosed(pin string) {
	for _, ob := range o {
		ob.RoomClosed(pin)
	}
}

func (o observers) PresenceChanged(pin string, count, capacity int) {
	for _, ob := range o {
		ob.PresenceChanged(pin, count, capacity)
	}
}

func (o observers) MessageRelayed(pin string, recipients int) {
	for _, ob := range o {
		ob.MessageRelayed(pin, recipients)
	}
}
