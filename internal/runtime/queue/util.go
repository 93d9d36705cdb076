package queue

import "github.com/ThreeDotsLabs/watermill/message"

// samePubSub reports whether pub and sub are the same object, as with
// gochannel or the postgres transport.
func samePubSub(pub message.Publisher, sub message.Subscriber) bool {
	if s, ok := sub.(message.Publisher); ok {
		return s == pub
	}
	return false
}
