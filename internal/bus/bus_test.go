package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishFansOut(t *testing.T) {
	b := New(4, nil)
	s1, s2 := b.Subscribe(), b.Subscribe()
	defer s1.Close()
	defer s2.Close()

	b.Publish(Event{Event: WorkflowStatusChange, EntityID: "wf-1"})

	for _, s := range []*Subscription{s1, s2} {
		select {
		case evt := <-s.C():
			assert.Equal(t, "wf-1", evt.EntityID)
			assert.False(t, evt.Timestamp.IsZero())
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestFullSubscriberDropsWithoutBlocking(t *testing.T) {
	b := New(1, nil)
	var drops int
	b.OnDrop(func() { drops++ })
	slow := b.Subscribe()
	defer slow.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(Event{Event: AuditAppended})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher stalled on a full subscriber")
	}
	assert.Equal(t, uint64(9), b.Dropped())
	assert.Equal(t, 9, drops)
	assert.Len(t, slow.C(), 1)
}

func TestCloseDetachesAndIsIdempotent(t *testing.T) {
	b := New(1, nil)
	s := b.Subscribe()
	require.Equal(t, 1, b.Subscribers())
	s.Close()
	s.Close()
	assert.Equal(t, 0, b.Subscribers())
	_, ok := <-s.C()
	assert.False(t, ok)
	b.Publish(Event{Event: AuditAppended})
}

func TestConcurrentPublishAndClose(t *testing.T) {
	b := New(2, nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := b.Subscribe()
			for j := 0; j < 50; j++ {
				b.Publish(Event{Event: StepStatusChanged})
			}
			s.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 0, b.Subscribers())
}

func TestRedisBridgeRejectsBadURL(t *testing.T) {
	_, err := NewRedisBridge("not a url", "", nil)
	assert.Error(t, err)
}
