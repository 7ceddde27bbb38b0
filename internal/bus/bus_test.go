package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatrelay/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishEvent_Order(t *testing.T) {
	b := New(10, zerolog.Nop())
	defer b.Close()

	for _, id := range []string{"a", "b", "c"} {
		b.PublishEvent(domain.InboundEvent{ID: id})
	}

	var got []string
	for i := 0; i < 3; i++ {
		got = append(got, (<-b.Events()).ID)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestPublishUpdate_Delivered(t *testing.T) {
	b := New(1, zerolog.Nop())
	defer b.Close()

	b.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})
	upd := <-b.Updates()
	assert.Equal(t, domain.StateOpen, upd.State)
}

func TestPublishUpdate_BlocksUntilConsumed(t *testing.T) {
	b := New(1, zerolog.Nop())
	defer b.Close()

	b.PublishUpdate(domain.ConnectionUpdate{State: domain.StateConnecting})

	published := make(chan struct{})
	go func() {
		b.PublishUpdate(domain.ConnectionUpdate{State: domain.StateClosed, Reason: domain.ReasonLoggedOut})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("second update should wait for room in the channel")
	case <-time.After(50 * time.Millisecond):
	}

	assert.Equal(t, domain.StateConnecting, (<-b.Updates()).State)
	<-published
	upd := <-b.Updates()
	assert.Equal(t, domain.ReasonLoggedOut, upd.Reason)
}

func TestClose_ReleasesBlockedPublisher(t *testing.T) {
	b := New(1, zerolog.Nop())
	b.PublishUpdate(domain.ConnectionUpdate{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})
	}()

	time.Sleep(20 * time.Millisecond)
	b.Close()
	wg.Wait()
}

func TestPublishAfterClose(t *testing.T) {
	b := New(1, zerolog.Nop())
	b.Close()
	b.Close()

	b.PublishEvent(domain.InboundEvent{ID: "late"})
	b.PublishUpdate(domain.ConnectionUpdate{State: domain.StateOpen})

	_, ok := <-b.Events()
	require.False(t, ok)
	_, ok = <-b.Updates()
	require.False(t, ok)
}
