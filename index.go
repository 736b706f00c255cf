package mqttdbg

// index is the broker's subscription table: exact topic string to the set
// of sessions subscribed to it. It is only ever touched from the server's
// run loop goroutine, so — as in the teacher's earliest `broker/server.go`,
// whose `subscriptions map[string]map[string]uint8` lived under the same
// single-goroutine-owner discipline — it carries no lock of its own.
type index struct {
	topics map[string]map[*Session]struct{}
}

func newIndex() *index {
	return &index{topics: make(map[string]map[*Session]struct{})}
}

// Add subscribes ses to topic. Idempotent: subscribing twice to the same
// topic has no additional effect.
func (ix *index) Add(topic string, ses *Session) {
	set, ok := ix.topics[topic]
	if !ok {
		set = make(map[*Session]struct{})
		ix.topics[topic] = set
	}
	set[ses] = struct{}{}
	ses.subscriptions[topic] = struct{}{}
}

// Remove unsubscribes ses from topic, if it was subscribed.
func (ix *index) Remove(topic string, ses *Session) {
	if set, ok := ix.topics[topic]; ok {
		delete(set, ses)
		if len(set) == 0 {
			delete(ix.topics, topic)
		}
	}
	delete(ses.subscriptions, topic)
}

// Subscribers returns the sessions subscribed to topic, ordered by their
// accept-time sequence number. The order is deterministic within a single
// call and across repeated calls made without intervening subscription
// changes, which is what the server loop relies on for reproducible
// fan-out order during one PUBLISH.
func (ix *index) Subscribers(topic string) []*Session {
	set := ix.topics[topic]
	if len(set) == 0 {
		return nil
	}
	out := make([]*Session, 0, len(set))
	for ses := range set {
		out = append(out, ses)
	}
	insertionSortBySeq(out)
	return out
}

// DropSession removes ses from every topic it was subscribed to. Called
// once, when a session transitions to Closed.
func (ix *index) DropSession(ses *Session) {
	for topic := range ses.subscriptions {
		if set, ok := ix.topics[topic]; ok {
			delete(set, ses)
			if len(set) == 0 {
				delete(ix.topics, topic)
			}
		}
	}
	ses.subscriptions = make(map[string]struct{})
}

// insertionSortBySeq sorts a small slice of sessions by seq. Subscriber
// lists per topic are expected to stay small for a debug broker, so a
// plain insertion sort avoids pulling in sort.Slice's reflection for what
// is almost always a handful of elements.
func insertionSortBySeq(s []*Session) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1].seq > s[j].seq; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
