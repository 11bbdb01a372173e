package factory

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/conductorhq/conductor/pkg/models"
)

func inst(id string) *models.AgentInstance {
	return &models.AgentInstance{ID: id, AccountID: "a1"}
}

func TestLRUEvictsOldestUnpinned(t *testing.T) {
	var evicted []string
	c := newPinnedLRU(2, func(i *models.AgentInstance) { evicted = append(evicted, i.ID) })

	if err := c.Add("k1", inst("i1")); err != nil {
		t.Fatalf("Add k1: %v", err)
	}
	c.Release("k1")
	if err := c.Add("k2", inst("i2")); err != nil {
		t.Fatalf("Add k2: %v", err)
	}
	c.Release("k2")

	// Touch k1 so k2 becomes the eviction candidate.
	if _, ok := c.Acquire("k1"); !ok {
		t.Fatal("Acquire k1 miss")
	}
	c.Release("k1")

	if err := c.Add("k3", inst("i3")); err != nil {
		t.Fatalf("Add k3: %v", err)
	}
	c.Release("k3")

	if len(evicted) != 1 || evicted[0] != "i2" {
		t.Errorf("evicted %v, want [i2]", evicted)
	}
	if _, ok := c.Acquire("k1"); !ok {
		t.Error("k1 evicted despite recent use")
	}
}

func TestLRUAddFailsWhenAllPinned(t *testing.T) {
	c := newPinnedLRU(1, nil)

	if err := c.Add("k1", inst("i1")); err != nil {
		t.Fatalf("Add k1: %v", err)
	}
	// The Add pin is still held.
	err := c.Add("k2", inst("i2"))
	var ce *models.CapacityError
	if !errors.As(err, &ce) {
		t.Fatalf("expected CapacityError, got %v", err)
	}

	c.Release("k1")
	if err := c.Add("k2", inst("i2")); err != nil {
		t.Fatalf("Add k2 after release: %v", err)
	}
}

func TestLRUAddRaceKeepsWinner(t *testing.T) {
	c := newPinnedLRU(4, nil)

	if err := c.Add("k1", inst("winner")); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := c.Add("k1", inst("loser")); err != nil {
		t.Fatalf("Add duplicate: %v", err)
	}

	got, ok := c.Acquire("k1")
	if !ok || got.ID != "winner" {
		t.Errorf("duplicate Add replaced the cached instance: %v", got)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}

func TestLRUAcquireRecordsUse(t *testing.T) {
	c := newPinnedLRU(4, nil)
	i := inst("i1")
	i.LastUsedAt = time.Now().Add(-time.Hour).UTC()
	if err := c.Add("k1", i); err != nil {
		t.Fatalf("Add: %v", err)
	}
	c.Release("k1")

	before := i.LastUsedAt
	got, ok := c.Acquire("k1")
	if !ok {
		t.Fatal("Acquire miss")
	}
	defer c.Release("k1")
	if !got.LastUsedAt.After(before) {
		t.Errorf("LastUsedAt not advanced on acquire: %v", got.LastUsedAt)
	}
}

func TestLRURemoveRespectsPins(t *testing.T) {
	c := newPinnedLRU(4, nil)
	if err := c.Add("k1", inst("i1")); err != nil {
		t.Fatalf("Add: %v", err)
	}

	if c.Remove("k1") {
		t.Error("Remove dropped a pinned entry")
	}
	c.Release("k1")
	if !c.Remove("k1") {
		t.Error("Remove failed on an unpinned entry")
	}
	if c.Len() != 0 {
		t.Errorf("Len = %d after remove", c.Len())
	}
}

func TestLRURemoveFunc(t *testing.T) {
	c := newPinnedLRU(8, nil)
	for i := 0; i < 4; i++ {
		key := fmt.Sprintf("k%d", i)
		if err := c.Add(key, inst(key)); err != nil {
			t.Fatalf("Add %s: %v", key, err)
		}
		if i != 0 {
			c.Release(key)
		}
	}

	n := c.RemoveFunc(func(*models.AgentInstance) bool { return true })
	if n != 3 {
		t.Errorf("RemoveFunc removed %d, want 3 (k0 is pinned)", n)
	}
	if c.Len() != 1 {
		t.Errorf("Len = %d, want 1", c.Len())
	}
}
