// Copyright 2025 James Ross
package quota

import (
	"context"
	"sync"
)

// LocalCounters is an in-process Counters implementation for
// scheduler.queue_backend=local single-binary deployments, where no
// external coordination service is available (spec §4.3).
type LocalCounters struct {
	mu     sync.Mutex
	counts map[string]int64 // "userID:day" -> count
}

func NewLocalCounters() *LocalCounters {
	return &LocalCounters{counts: map[string]int64{}}
}

func (c *LocalCounters) IncrAndGetDailyJobCount(_ context.Context, userID, day string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := userID + ":" + day
	c.counts[key]++
	return c.counts[key], nil
}

func (c *LocalCounters) DecrDailyJobCount(_ context.Context, userID, day string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := userID + ":" + day
	if c.counts[key] > 0 {
		c.counts[key]--
	}
	return nil
}
