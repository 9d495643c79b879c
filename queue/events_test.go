package queue

import (
	"testing"

	"go.viam.com/test"
)

func TestFanoutPublishOrder(t *testing.T) {
	fanout := NewFanout()
	defer fanout.Close()

	sub := fanout.Subscribe()
	defer fanout.Unsubscribe(sub)

	fanout.Publish(EventScreeningChanged, nil)
	fanout.Publish(EventMainChanged, nil)
	fanout.Publish(EventSlotsChanged, nil)

	var got []ChangeEvent
	for i := 0; i < 3; i++ {
		got = append(got, <-sub.C)
	}
	test.That(t, got[0].Kind, test.ShouldEqual, EventScreeningChanged)
	test.That(t, got[1].Kind, test.ShouldEqual, EventMainChanged)
	test.That(t, got[2].Kind, test.ShouldEqual, EventSlotsChanged)
	test.That(t, got[0].Seq, test.ShouldEqual, 1)
	test.That(t, got[1].Seq, test.ShouldEqual, 2)
	test.That(t, got[2].Seq, test.ShouldEqual, 3)
	test.That(t, fanout.LastSeq(), test.ShouldEqual, 3)
}

func TestFanoutSlowSubscriber(t *testing.T) {
	fanout := NewFanout()
	defer fanout.Close()

	slow := fanout.Subscribe()
	defer fanout.Unsubscribe(slow)

	// Never reading from slow.C must not block publication.
	for i := 0; i < subscriberBuffer+10; i++ {
		fanout.Publish(EventMainChanged, nil)
	}
	test.That(t, slow.Dropped(), test.ShouldEqual, 10)

	// A fresh subscriber still receives promptly.
	fresh := fanout.Subscribe()
	defer fanout.Unsubscribe(fresh)
	published := fanout.Publish(EventSlotsChanged, nil)
	got := <-fresh.C
	test.That(t, got.Seq, test.ShouldEqual, published.Seq)

	// The slow subscriber keeps the oldest events it did buffer.
	first := <-slow.C
	test.That(t, first.Seq, test.ShouldEqual, 1)
}

func TestFanoutEventsSince(t *testing.T) {
	fanout := NewFanout()
	defer fanout.Close()

	test.That(t, fanout.EventsSince(0), test.ShouldBeEmpty)

	fanout.Publish(EventScreeningChanged, nil)
	fanout.Publish(EventMainChanged, nil)
	fanout.Publish(EventSlotsChanged, nil)

	all := fanout.EventsSince(0)
	test.That(t, all, test.ShouldHaveLength, 3)

	tail := fanout.EventsSince(2)
	test.That(t, tail, test.ShouldHaveLength, 1)
	test.That(t, tail[0].Seq, test.ShouldEqual, 3)

	test.That(t, fanout.EventsSince(3), test.ShouldBeEmpty)
	test.That(t, fanout.EventsSince(99), test.ShouldBeEmpty)
}

func TestFanoutUnsubscribe(t *testing.T) {
	fanout := NewFanout()
	defer fanout.Close()

	sub := fanout.Subscribe()
	fanout.Unsubscribe(sub)

	// The channel closes on unsubscribe; double unsubscribe is a no-op.
	_, open := <-sub.C
	test.That(t, open, test.ShouldBeFalse)
	fanout.Unsubscribe(sub)

	// Publishing after unsubscribe must not panic on the closed channel.
	fanout.Publish(EventMainChanged, nil)
}
