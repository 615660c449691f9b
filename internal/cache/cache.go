// Package cache stores LLM responses so reruns of a stage do not repeat
// paid calls for papers that already have an answer.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/paperflow-io/paperflow/internal/model"
)

// Cache is the storage interface shared by the memory and disk tiers.
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// ResponseKey builds the cache key for one LLM call. The key covers the
// stage, the paper identity, and a fingerprint of the prompt, so a prompt
// change invalidates prior answers without clearing the cache.
func ResponseKey(stage string, paper model.Key, prompt string) string {
	h := sha256.New()
	h.Write([]byte(stage))
	h.Write([]byte{0})
	h.Write([]byte(paper.Title))
	h.Write([]byte{0})
	h.Write([]byte(paper.Source))
	h.Write([]byte{0})
	h.Write([]byte(prompt))
	return "paperflow:v1:" + hex.EncodeToString(h.Sum(nil))
}

// Layered checks the memory tier first and falls back to disk, promoting
// disk hits to memory.
type Layered struct {
	memory Cache
	disk   Cache
}

// NewLayered builds the standard two-tier cache.
func NewLayered(memoryTTL time.Duration, diskDir string, diskTTL time.Duration) *Layered {
	return &Layered{
		memory: NewMemory(memoryTTL, 10*time.Minute),
		disk:   NewDisk(diskDir, diskTTL),
	}
}

func (c *Layered) Get(key string) ([]byte, bool) {
	if val, found := c.memory.Get(key); found {
		return val, true
	}
	if val, found := c.disk.Get(key); found {
		c.memory.Set(key, val, 0)
		return val, true
	}
	return nil, false
}

func (c *Layered) Set(key string, value []byte, ttl time.Duration) error {
	if err := c.memory.Set(key, value, ttl); err != nil {
		return err
	}
	return c.disk.Set(key, value, ttl)
}

func (c *Layered) Delete(key string) error {
	c.memory.Delete(key)
	return c.disk.Delete(key)
}

func (c *Layered) Clear() error {
	c.memory.Clear()
	return c.disk.Clear()
}
