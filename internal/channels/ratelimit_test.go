package channels

import (
	"testing"
	"time"
)

func TestTriggerLimiter(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := NewTriggerLimiter(time.Minute, 2)
	l.now = func() time.Time { return now }

	if !l.Allow("g:u") || !l.Allow("g:u") {
		t.Fatal("first two hits should pass")
	}
	if l.Allow("g:u") {
		t.Fatal("third hit within the window should be limited")
	}
	if !l.Allow("g:other") {
		t.Fatal("keys are independent")
	}

	now = now.Add(time.Minute)
	if !l.Allow("g:u") {
		t.Fatal("new window should reset the count")
	}
}
