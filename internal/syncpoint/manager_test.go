package syncpoint

import (
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/dgnsrekt/gpuchannel/internal/taskrunner"
)

func newTestManager() (*Manager, *taskrunner.Manual) {
	main := taskrunner.NewManual(time.Unix(0, 0))
	return NewManager(main, zap.NewNop()), main
}

func TestGenerate_Increasing(t *testing.T) {
	m, _ := newTestManager()
	prev := m.Generate()
	if prev == 0 {
		t.Fatal("sync point 0 is reserved")
	}
	for i := 0; i < 10; i++ {
		id := m.Generate()
		if id <= prev {
			t.Fatalf("expected increasing ids, got %d after %d", id, prev)
		}
		if m.IsRetired(id) {
			t.Fatalf("fresh sync point %d reported retired", id)
		}
		prev = id
	}
}

func TestGenerate_SkipsZeroOnWrap(t *testing.T) {
	m, _ := newTestManager()
	m.next = ^uint32(0)
	if id := m.Generate(); id != 1 {
		t.Errorf("expected wrap to 1, got %d", id)
	}
}

func TestGenerate_Concurrent(t *testing.T) {
	m, _ := newTestManager()
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint32]bool)
	)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				id := m.Generate()
				mu.Lock()
				if seen[id] {
					t.Errorf("duplicate sync point %d", id)
				}
				seen[id] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(seen) != 800 {
		t.Errorf("expected 800 ids, got %d", len(seen))
	}
}

func TestRetire_RunsCallbacksOnce(t *testing.T) {
	m, _ := newTestManager()
	id := m.Generate()

	var order []int
	m.AddCallback(id, func() { order = append(order, 1) })
	m.AddCallback(id, func() { order = append(order, 2) })

	m.Retire(id)
	m.Retire(id)

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("expected callbacks [1 2] once, got %v", order)
	}
	if !m.IsRetired(id) {
		t.Error("sync point should be retired")
	}
	if s := m.Stats(); s.Retired != 1 || s.Pending != 0 {
		t.Errorf("unexpected stats %+v", s)
	}
}

func TestAddCallback_AlreadyRetiredIsPosted(t *testing.T) {
	m, main := newTestManager()
	id := m.Generate()
	m.Retire(id)

	ran := false
	m.AddCallback(id, func() { ran = true })
	if ran {
		t.Fatal("callback for retired point must not run inline")
	}
	main.RunUntilIdle()
	if !ran {
		t.Error("callback for retired point never ran")
	}
}

func TestIsRetired_UnknownID(t *testing.T) {
	m, _ := newTestManager()
	if !m.IsRetired(12345) {
		t.Error("never generated ids count as retired")
	}
}
