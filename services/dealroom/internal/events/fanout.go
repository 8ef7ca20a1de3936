package events

import "dealroom/pkg/domain"

// Publisher accepts domain events without blocking.
type Publisher interface {
	Publish(evt domain.Event)
}

// Fanout hands each event to every publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(evt domain.Event) {
	for _, p := range f {
		p.Publish(evt)
	}
}
