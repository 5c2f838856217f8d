package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/j0hanz/fetch-url-mcp-sub001/converter"
)

func TestKeyVariants(t *testing.T) {
	url := "https://example.com/page"
	base := Key(url, converter.Options{})

	if Key(url, converter.Options{}) != base {
		t.Error("identical inputs must produce identical keys")
	}
	if Key(url, converter.Options{IncludeMetadata: true}) == base {
		t.Error("metadata variant must not collide with the base key")
	}
	if Key(url, converter.Options{SkipNoiseRemoval: true}) == base {
		t.Error("raw variant must not collide with the base key")
	}
	if Key("https://example.com/other", converter.Options{}) == base {
		t.Error("different URLs must not collide")
	}

	// InputTruncated is a fetch artifact, not a variant dimension.
	if Key(url, converter.Options{InputTruncated: true}) != base {
		t.Error("truncation flag should not change the key")
	}
}

func TestGetPut(t *testing.T) {
	c := New(time.Minute, 10)
	key := Key("https://example.com/", converter.Options{})

	if c.Get(key) != nil {
		t.Error("empty cache should miss")
	}

	c.Put(key, &converter.Result{Markdown: "# cached"})
	got := c.Get(key)
	if got == nil || got.Markdown != "# cached" {
		t.Errorf("Get = %+v", got)
	}
}

func TestExpiry(t *testing.T) {
	c := New(time.Minute, 10)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	key := Key("https://example.com/", converter.Options{})
	c.Put(key, &converter.Result{Markdown: "fresh"})

	now = now.Add(59 * time.Second)
	if c.Get(key) == nil {
		t.Error("entry expired early")
	}

	now = now.Add(2 * time.Second)
	if c.Get(key) != nil {
		t.Error("entry should have expired")
	}
	if c.Len() != 0 {
		t.Error("expired entry should be deleted on read")
	}
}

func TestEviction(t *testing.T) {
	c := New(time.Minute, 3)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		c.Put(fmt.Sprintf("k%d", i), &converter.Result{Markdown: fmt.Sprintf("m%d", i)})
		now = now.Add(time.Second)
	}
	if c.Len() != 3 {
		t.Fatalf("len = %d", c.Len())
	}

	// A fourth entry evicts the oldest.
	c.Put("k3", &converter.Result{Markdown: "m3"})
	if c.Len() != 3 {
		t.Errorf("len after eviction = %d", c.Len())
	}
	if c.Get("k0") != nil {
		t.Error("oldest entry should have been evicted")
	}
	if c.Get("k1") == nil || c.Get("k3") == nil {
		t.Error("newer entries should survive eviction")
	}

	// Overwriting an existing key does not evict.
	c.Put("k1", &converter.Result{Markdown: "m1-updated"})
	if c.Len() != 3 {
		t.Errorf("len after overwrite = %d", c.Len())
	}
	if got := c.Get("k1"); got == nil || got.Markdown != "m1-updated" {
		t.Errorf("overwrite lost: %+v", got)
	}
}
