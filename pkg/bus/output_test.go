package bus

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutputBus_OrderWithinRun(t *testing.T) {
	b := NewOutputBus()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	for i := 0; i < 10; i++ {
		b.Publish(OutputLine{RunID: "run-1", Line: fmt.Sprintf("line-%d", i)})
	}
	for i := 0; i < 10; i++ {
		line := <-ch
		assert.Equal(t, fmt.Sprintf("line-%d", i), line.Line)
	}
}

func TestOutputBus_RunsAreIsolated(t *testing.T) {
	b := NewOutputBus()
	ch1, cancel1 := b.Subscribe("run-1")
	defer cancel1()
	ch2, cancel2 := b.Subscribe("run-2")
	defer cancel2()

	b.Publish(OutputLine{RunID: "run-1", Line: "only one"})

	line := <-ch1
	assert.Equal(t, "only one", line.Line)
	select {
	case got := <-ch2:
		t.Fatalf("run-2 received %q", got.Line)
	default:
	}
}

func TestOutputBus_CancelIdempotent(t *testing.T) {
	b := NewOutputBus()
	ch, cancel := b.Subscribe("run-1")
	assert.Equal(t, 1, b.SubscriberCount("run-1"))

	cancel()
	cancel()
	assert.Zero(t, b.SubscriberCount("run-1"))

	_, open := <-ch
	assert.False(t, open)

	// Publishing after cancel is a no-op.
	b.Publish(OutputLine{RunID: "run-1", Line: "dropped"})
}

func TestOutputBus_CloseEndsAllSubscribers(t *testing.T) {
	b := NewOutputBus()
	ch1, cancel1 := b.Subscribe("run-1")
	ch2, _ := b.Subscribe("run-1")

	b.Close("run-1")
	_, open := <-ch1
	assert.False(t, open)
	_, open = <-ch2
	assert.False(t, open)
	assert.Zero(t, b.SubscriberCount("run-1"))

	// Cancel after Close must not double-close.
	cancel1()
}

func TestOutputBus_SlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewOutputBus()
	ch, cancel := b.Subscribe("run-1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBuffer+50; i++ {
			b.Publish(OutputLine{RunID: "run-1", Line: "x"})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
		default:
			require.Equal(t, subscriberBuffer, received)
			return
		}
	}
}
