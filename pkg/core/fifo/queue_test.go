package fifo

import (
    "sync"
    "testing"
)

func TestDrainOrder(t *testing.T) {
    q := New[int](0)
    for i := 0; i < 5; i++ { q.Push(i) }
    got := q.Drain()
    for i, v := range got {
        if v != i { t.Fatalf("order mismatch at %d: %v", i, got) }
    }
    if q.Len() != 0 || q.Drain() != nil { t.Fatalf("expected empty after drain") }
}

func TestCapDropsOldest(t *testing.T) {
    q := New[string](2)
    q.Push("a"); q.Push("b"); q.Push("c")
    got := q.Drain()
    if len(got) != 2 || got[0] != "b" || got[1] != "c" { t.Fatalf("unexpected: %v", got) }
    if q.Dropped() != 1 { t.Fatalf("dropped=%d", q.Dropped()) }
}

func TestConcurrentPush(t *testing.T) {
    q := New[int](0)
    var wg sync.WaitGroup
    for g := 0; g < 8; g++ {
        wg.Add(1)
        go func() { defer wg.Done(); for i := 0; i < 100; i++ { q.Push(i) } }()
    }
    wg.Wait()
    if n := len(q.Drain()); n != 800 { t.Fatalf("want 800, got %d", n) }
}
