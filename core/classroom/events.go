package classroom

// Broadcast event types pushed to classroom note sockets.
const (
	EventNoteDisplayed = "note_displayed"
	EventNoteRemoved   = "note_removed"
)

type Event struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// Publisher fans an event out to every socket subscribed to a classroom's
// broadcast group. Delivery is fire-and-forget: implementations must never
// block the caller on a slow or dead subscriber.
type Publisher interface {
	Publish(classID string, evt Event)
}

// NopPublisher drops events; used when no broadcast transport is wired so
// note mutations still succeed locally.
type NopPublisher struct{}

func (NopPublisher) Publish(string, Event) {}
