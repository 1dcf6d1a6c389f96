package call_manager

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/soft_pbx/internal/log"
)

func TestDispatcher_PreservesOrder(t *testing.T) {
	events := &eventLog{}
	d := newDispatcher(events, log.Discard())

	const n = 500
	for i := 1; i <= n; i++ {
		d.push(Ringing{EventMeta: EventMeta{CallID: "order", Seq: uint64(i)}})
	}
	d.close()

	got := events.all()
	require.Len(t, got, n, "close доставляет очередь")
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Meta().Seq)
	}

	d.push(Ringing{})
	assert.Len(t, events.all(), n, "после close события не принимаются")
}

func TestDispatcher_SlowSubscriberDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	slow := SubscriberFunc(func(Event) { <-release })
	d := newDispatcher(slow, log.Discard())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			d.push(Ringing{})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("push заблокирован медленным подписчиком")
	}
	close(release)
	d.close()
}

func TestDispatcher_PanicDoesNotStopDelivery(t *testing.T) {
	var (
		mu  sync.Mutex
		got []uint64
	)
	d := newDispatcher(SubscriberFunc(func(e Event) {
		if e.Meta().Seq == 2 {
			panic("subscriber bug")
		}
		mu.Lock()
		got = append(got, e.Meta().Seq)
		mu.Unlock()
	}), log.Discard())

	for i := 1; i <= 3; i++ {
		d.push(Ringing{EventMeta: EventMeta{Seq: uint64(i)}})
	}
	d.close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint64{1, 3}, got)
}

func TestHandle_String(t *testing.T) {
	assert.True(t, Handle{}.IsZero())
	assert.Equal(t, "3/7", Handle{ID: 3, Generation: 7}.String())
	assert.Equal(t, "answer", ActionAnswer.String())
}
