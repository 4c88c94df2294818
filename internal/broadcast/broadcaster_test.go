package broadcast

import (
	"testing"
	"time"
)

func collect(t *testing.T, ch <-chan int, n int) []int {
	t.Helper()
	out := make([]int, 0, n)
	for len(out) < n {
		select {
		case v := <-ch:
			out = append(out, v)
		case <-time.After(2 * time.Second):
			t.Fatalf("timeout after %v", out)
		}
	}
	return out
}

func expectNothing(t *testing.T, ch <-chan int) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected value %d", v)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLateListenerGetsCurrentThenChanges(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	for i := 1; i <= 5; i++ {
		b.Publish(i)
	}
	got := make(chan int, 16)
	b.AddOnUpdateListener(func(v int) { got <- v })
	b.Publish(6)
	b.Publish(7)

	vals := collect(t, got, 3)
	want := []int{5, 6, 7}
	for i := range want {
		if vals[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, vals)
		}
	}
}

func TestNoValueBeforeFirstPublish(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	got := make(chan int, 4)
	b.AddOnUpdateListener(func(v int) { got <- v })
	expectNothing(t, got)
	if _, ok := b.Current(); ok {
		t.Fatalf("expected no current value")
	}
	b.Publish(1)
	if vals := collect(t, got, 1); vals[0] != 1 {
		t.Fatalf("unexpected %v", vals)
	}
}

func TestOrderPreservedUnderLoad(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	got := make(chan int, 1000)
	b.AddOnUpdateListener(func(v int) { got <- v })
	for i := 0; i < 500; i++ {
		b.Publish(i)
	}
	vals := collect(t, got, 500)
	for i, v := range vals {
		if v != i {
			t.Fatalf("value %d out of order: %d", i, v)
		}
	}
}

func TestRemovedListenerStopsReceiving(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	got := make(chan int, 16)
	id := b.AddOnUpdateListener(func(v int) { got <- v })
	b.Publish(1)
	collect(t, got, 1)
	b.RemoveOnUpdateListener(id)
	b.RemoveOnUpdateListener(id)
	b.Publish(2)
	expectNothing(t, got)
	if b.Listeners() != 0 {
		t.Fatalf("expected no listeners")
	}
}

func TestInFlightDeliveryNotRetracted(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	entered := make(chan int, 4)
	release := make(chan struct{})
	finished := make(chan int, 4)
	id := b.AddOnUpdateListener(func(v int) {
		entered <- v
		<-release
		finished <- v
	})
	b.Publish(1)
	if v := collect(t, entered, 1)[0]; v != 1 {
		t.Fatalf("unexpected %d", v)
	}
	b.Publish(2)
	b.RemoveOnUpdateListener(id)
	close(release)
	if v := collect(t, finished, 1)[0]; v != 1 {
		t.Fatalf("in-flight delivery must complete, got %d", v)
	}
	expectNothing(t, entered)
}

func TestSlowListenerDoesNotBlockOthers(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	block := make(chan struct{})
	defer close(block)
	b.AddOnUpdateListener(func(int) { <-block })
	got := make(chan int, 16)
	b.AddOnUpdateListener(func(v int) { got <- v })
	b.Publish(1)
	b.Publish(2)
	vals := collect(t, got, 2)
	if vals[0] != 1 || vals[1] != 2 {
		t.Fatalf("unexpected %v", vals)
	}
}

func TestPanickingListenerIsIsolated(t *testing.T) {
	b := New[int](nil)
	defer b.Close()
	b.AddOnUpdateListener(func(int) { panic("boom") })
	got := make(chan int, 16)
	b.AddOnUpdateListener(func(v int) { got <- v })
	b.Publish(1)
	b.Publish(2)
	if vals := collect(t, got, 2); vals[1] != 2 {
		t.Fatalf("unexpected %v", vals)
	}
}

func TestCloseStopsDelivery(t *testing.T) {
	b := New[int](nil)
	got := make(chan int, 16)
	b.AddOnUpdateListener(func(v int) { got <- v })
	b.Close()
	b.Publish(1)
	expectNothing(t, got)
}
