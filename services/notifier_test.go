package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// Both implementations must keep satisfying the interface the queue and
// processor depend on.
var (
	_ Notifier = (*PubNubNotifier)(nil)
	_ Notifier = NoopNotifier{}
)

func TestUserChannel(t *testing.T) {
	assert.Equal(t, "user-abc123", userChannel("abc123"))
}

func TestNoopNotifierIsSilent(t *testing.T) {
	n := NoopNotifier{}

	assert.NotPanics(t, func() {
		n.NotifyPromotion(nil)
		n.NotifyPosition("u1", "basico", 3)
		n.NotifyRemoved("u1", "basico", "cleanup")
	})
}
