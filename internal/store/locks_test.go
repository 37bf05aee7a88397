package store

import (
	"sync"
	"testing"

	"github.com/nextlevelbuilder/groupclaw/internal/providers"
)

func TestGroupLocks_SerializesPerGroup(t *testing.T) {
	locks := NewGroupLocks()
	var wg sync.WaitGroup
	counter := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := locks.Lock("g")
			defer unlock()
			v := counter
			v++
			counter = v
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Errorf("counter = %d, want 50", counter)
	}

	// Different groups never block each other.
	unlockA := locks.Lock("a")
	unlockB := locks.Lock("b")
	unlockB()
	unlockA()
}

func TestForStorage_DropsImages(t *testing.T) {
	in := []providers.Message{{Role: "user", Content: "x", Images: []providers.ImageContent{{Data: "AAAA"}}}}
	out := ForStorage(in)
	if out[0].Images != nil {
		t.Error("images should be dropped")
	}
	if in[0].Images == nil {
		t.Error("input must not be mutated")
	}
}
