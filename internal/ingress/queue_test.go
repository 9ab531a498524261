package ingress

import (
	"testing"
	"time"
)

func dg(i byte) Datagram {
	return Datagram{Data: []byte{i}}
}

func TestDropOldestKeepsNewest(t *testing.T) {
	q := NewQueue(4, DropOldest)
	for i := byte(0); i < 6; i++ {
		q.Push(dg(i))
	}
	if q.Drops() != 2 {
		t.Fatalf("Drops = %d, want 2", q.Drops())
	}
	var got []byte
	for {
		d, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, d.Data[0])
	}
	want := []byte{2, 3, 4, 5}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestDropNewKeepsOldest(t *testing.T) {
	q := NewQueue(4, DropNew)
	for i := byte(0); i < 6; i++ {
		q.Push(dg(i))
	}
	if q.Drops() != 2 {
		t.Fatalf("Drops = %d, want 2", q.Drops())
	}
	var got []byte
	for {
		d, ok := q.TryPop()
		if !ok {
			break
		}
		got = append(got, d.Data[0])
	}
	want := []byte{0, 1, 2, 3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestPopTimeout(t *testing.T) {
	q := NewQueue(1, DropOldest)
	start := time.Now()
	_, ok := q.Pop(20 * time.Millisecond)
	if ok {
		t.Fatal("Pop returned item from empty queue")
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Fatal("Pop returned before timeout")
	}
}

func TestPushPopInterleaved(t *testing.T) {
	q := NewQueue(2, DropOldest)
	q.Push(dg(1))
	if d, ok := q.Pop(time.Second); !ok || d.Data[0] != 1 {
		t.Fatalf("Pop = %v, %v", d, ok)
	}
	q.Push(dg(2))
	q.Push(dg(3))
	q.Push(dg(4)) // evicts 2
	if q.Drops() != 1 {
		t.Fatalf("Drops = %d, want 1", q.Drops())
	}
	if d, _ := q.TryPop(); d.Data[0] != 3 {
		t.Fatalf("head = %v, want 3", d.Data[0])
	}
}
