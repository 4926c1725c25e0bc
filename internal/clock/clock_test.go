package clock

import (
	"sync"
	"testing"
	"time"
)

func TestSystem_Now_ReturnsUTC(t *testing.T) {
	now := System{}.Now()
	if now.Location() != time.UTC {
		t.Errorf("location = %v, want UTC", now.Location())
	}
}

func TestFake_AdvanceAndSet(t *testing.T) {
	t0 := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(t0)

	if !c.Now().Equal(t0) {
		t.Fatalf("Now() = %v, want %v", c.Now(), t0)
	}

	c.Advance(36 * time.Hour)
	if want := t0.Add(36 * time.Hour); !c.Now().Equal(want) {
		t.Errorf("after Advance Now() = %v, want %v", c.Now(), want)
	}

	t1 := time.Date(2030, 6, 1, 12, 0, 0, 0, time.UTC)
	c.Set(t1)
	if !c.Now().Equal(t1) {
		t.Errorf("after Set Now() = %v, want %v", c.Now(), t1)
	}
}

// TestFake_ConcurrentAccess は同時アクセスでデータ競合が起きないことを検証する（-race前提）。
func TestFake_ConcurrentAccess(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
		go func() {
			defer wg.Done()
			_ = c.Now()
		}()
	}
	wg.Wait()

	if want := time.Unix(50, 0).UTC(); !c.Now().Equal(want) {
		t.Errorf("Now() = %v, want %v", c.Now(), want)
	}
}
