package gossip

// Sender delivers gossip messages to a peer. Delivery is best effort:
// a lost message is repaired by a later round or anti-entropy push.
type Sender interface {
	SendGossip(to string, msg *Message)
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(to string, msg *Message)

func (f SenderFunc) SendGossip(to string, msg *Message) { f(to, msg) }
