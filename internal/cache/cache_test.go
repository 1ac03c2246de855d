package cache

import (
	"testing"
	"time"
)

type tagged struct {
	Tags []string
}

func (t tagged) Clone() any {
	out := tagged{Tags: make([]string, len(t.Tags))}
	copy(out.Tags, t.Tags)
	return out
}

func TestSetGetAndExpiry(t *testing.T) {
	c := New(0)
	c.Set("k1", "v1", 40*time.Millisecond)

	if v, ok := c.Get("k1"); !ok || v != "v1" {
		t.Fatalf("expected fresh hit, got %v %v", v, ok)
	}

	time.Sleep(80 * time.Millisecond)
	if _, ok := c.Get("k1"); ok {
		t.Fatal("expired entry must read as absent")
	}
}

func TestZeroTTLNeverExpires(t *testing.T) {
	c := New(0)
	c.Set("k", 1, 0)
	time.Sleep(10 * time.Millisecond)
	if v, ok := Lookup[int](c, "k"); !ok || v != 1 {
		t.Fatalf("expected persistent entry, got %v %v", v, ok)
	}
}

func TestLookupTypeMismatchIsAbsent(t *testing.T) {
	c := New(0)
	c.Set("k", "string", time.Minute)
	if _, ok := Lookup[int](c, "k"); ok {
		t.Fatal("type mismatch should read as absent")
	}
}

func TestCachedValuesAreCopies(t *testing.T) {
	c := New(0)
	original := tagged{Tags: []string{"a"}}
	c.Set("k", original, time.Minute)
	original.Tags[0] = "mutated"

	got, ok := Lookup[tagged](c, "k")
	if !ok {
		t.Fatal("expected hit")
	}
	if got.Tags[0] != "a" {
		t.Fatalf("cache must own its copy, got %q", got.Tags[0])
	}
	got.Tags[0] = "again"

	again, _ := Lookup[tagged](c, "k")
	if again.Tags[0] != "a" {
		t.Fatalf("readers must not alias cached state, got %q", again.Tags[0])
	}
}

func TestByteSlicesAreCopied(t *testing.T) {
	c := New(0)
	buf := []byte("abc")
	c.Set("b", buf, time.Minute)
	buf[0] = 'z'

	got, _ := Lookup[[]byte](c, "b")
	if string(got) != "abc" {
		t.Fatalf("expected abc, got %s", got)
	}
}
