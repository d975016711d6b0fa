package stream

import "fmt"

// SubjectKind distinguishes the two addressable stream types.
type SubjectKind uint8

const (
	// KindConversation is a two-party chat stream.
	KindConversation SubjectKind = iota
	// KindFeed is a single user's notification feed.
	KindFeed
)

// Subject is a logical stream identity: either a conversation between two
// participants (unordered pair) or one user's notification feed. Subjects are
// comparable and canonical, so they can key maps directly.
type Subject struct {
	Kind SubjectKind
	// A and B are participant ids. For conversations the pair is stored in
	// canonical order so (a,b) and (b,a) produce the same Subject. For feeds
	// only A is set (the owner).
	A, B string
}

// Conversation returns the canonical Subject for a chat between two users,
// independent of argument order.
func Conversation(a, b string) Subject {
	if b < a {
		a, b = b, a
	}
	return Subject{Kind: KindConversation, A: a, B: b}
}

// Feed returns the Subject for a user's notification feed.
func Feed(owner string) Subject {
	return Subject{Kind: KindFeed, A: owner}
}

// IsFeed reports whether the subject is a notification feed.
func (s Subject) IsFeed() bool {
	return s.Kind == KindFeed
}

// Topic returns the transport-level destination name the subject maps to.
func (s Subject) Topic() string {
	if s.Kind == KindFeed {
		return "/topic/notifications/" + s.A
	}
	return fmt.Sprintf("/topic/chat/%s/%s", s.A, s.B)
}

// Peer returns the other participant of a conversation subject.
func (s Subject) Peer(self string) string {
	if s.A == self {
		return s.B
	}
	return s.A
}

func (s Subject) String() string {
	return s.Topic()
}
