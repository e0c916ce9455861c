package bus

import (
	"testing"
	"time"

	"futures-enginev1/internal/model"
)

func errEv(code string) model.Event {
	return model.ErrorEvent{Sym: "BTCUSDT", Code: code, At: time.Unix(0, 0)}
}

func TestFanOut_BroadcastsToAll(t *testing.T) {
	fo := New(10)
	out1 := fo.Subscribe("redis")
	out2 := fo.Subscribe("alerts")

	fo.Publish(errEv("a"))
	fo.Publish(errEv("b"))

	for _, out := range []<-chan model.Event{out1, out2} {
		for _, want := range []string{"a", "b"} {
			select {
			case ev := <-out:
				if got := ev.(model.ErrorEvent).Code; got != want {
					t.Fatalf("expected %s, got %s", want, got)
				}
			case <-time.After(time.Second):
				t.Fatal("timed out waiting for event")
			}
		}
	}
}

func TestFanOut_SlowConsumerDropsWithoutBlocking(t *testing.T) {
	fo := New(1)
	slow := fo.Subscribe("slow")
	fast := fo.Subscribe("fast")
	var dropped []string
	fo.OnDrop = func(name string) { dropped = append(dropped, name) }

	fo.Publish(errEv("a"))
	<-fast
	fo.Publish(errEv("b"))

	if len(dropped) != 1 || dropped[0] != "slow" {
		t.Fatalf("expected one drop for slow, got %v", dropped)
	}
	if ev := <-slow; ev.(model.ErrorEvent).Code != "a" {
		t.Fatalf("slow consumer should keep the first event")
	}
	if ev := <-fast; ev.(model.ErrorEvent).Code != "b" {
		t.Fatalf("fast consumer should receive b")
	}
	stats := fo.ChannelStats()
	if len(stats) != 2 || stats[0].Name != "slow" || stats[0].Cap != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestFanOut_Close(t *testing.T) {
	fo := New(4)
	out := fo.Subscribe("x")
	fo.Close()
	fo.Close()
	fo.Publish(errEv("ignored"))

	if _, ok := <-out; ok {
		t.Fatal("expected closed channel")
	}
	if _, ok := <-fo.Subscribe("late"); ok {
		t.Fatal("late subscriber should get a closed channel")
	}
}
