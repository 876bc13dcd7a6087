package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHubPublishAndUnsubscribe(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("ops", 1)
	b := h.Subscribe("ops", 1)
	other := h.Subscribe("renewals", 1)

	assert.Equal(t, 2, h.Publish("ops", Message{Text: "one"}))
	// Buffers are full; the next publish is dropped for both.
	assert.Equal(t, 0, h.Publish("ops", Message{Text: "two"}))
	assert.Equal(t, "one", (<-a.C()).Text)
	assert.Len(t, other.C(), 0)

	h.Unsubscribe(b)
	h.Unsubscribe(b)
	assert.Equal(t, 1, h.Subscribers("ops"))
	_, open := <-b.C()
	assert.False(t, open)
}

func TestHubCloseAllEndsStreams(t *testing.T) {
	h := NewHub()
	a := h.Subscribe("ops", 1)
	b := h.Subscribe("renewals", 1)

	h.CloseAll()
	_, open := <-a.C()
	assert.False(t, open)
	_, open = <-b.C()
	assert.False(t, open)
	assert.Equal(t, 0, h.Subscribers("ops"))

	// Unsubscribing after CloseAll must not close twice.
	assert.NotPanics(t, func() { h.Unsubscribe(a) })
}
