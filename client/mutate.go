package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// mirrorField is one versioned field of the mirrored record. The lock is a
// channel so acquisition can respect a context deadline.
type mirrorField[T any] struct {
	once    sync.Once
	sem     chan struct{}
	value   T
	version int
}

func (f *mirrorField[T]) init() {
	f.once.Do(func() { f.sem = make(chan struct{}, 1) })
}

func (f *mirrorField[T]) lockCtx(ctx context.Context) error {
	f.init()
	select {
	case f.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *mirrorField[T]) lock() {
	f.init()
	f.sem <- struct{}{}
}

func (f *mirrorField[T]) unlock() {
	<-f.sem
}

// Metadata returns the mirror's current metadata value and version.
func (c *Client) Metadata() (string, int) {
	c.metadata.lock()
	defer c.metadata.unlock()
	return c.metadata.value, c.metadata.version
}

// AgentState returns the mirror's current agent-state value and version. For
// a machine-scoped client this is the runner state.
func (c *Client) AgentState() (*string, int) {
	c.agentState.lock()
	defer c.agentState.unlock()
	return c.agentState.value, c.agentState.version
}

// SeedMetadata initializes the mirror from a fetched record. Stale seeds are
// ignored.
func (c *Client) SeedMetadata(value string, version int) {
	c.metadata.lock()
	defer c.metadata.unlock()
	if version > c.metadata.version {
		c.metadata.value = value
		c.metadata.version = version
	}
}

func (c *Client) SeedAgentState(value *string, version int) {
	c.agentState.lock()
	defer c.agentState.unlock()
	if version > c.agentState.version {
		c.agentState.value = value
		c.agentState.version = version
	}
}

func (f *mirrorField[T]) tryLock() bool {
	f.init()
	select {
	case f.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (c *Client) trySeedMetadata(value string, version int) {
	if !c.metadata.tryLock() {
		return
	}
	defer c.metadata.unlock()
	if version > c.metadata.version {
		c.metadata.value = value
		c.metadata.version = version
	}
}

func (c *Client) trySeedAgentState(value *string, version int) {
	if !c.agentState.tryLock() {
		return
	}
	defer c.agentState.unlock()
	if version > c.agentState.version {
		c.agentState.value = value
		c.agentState.version = version
	}
}

type updateAck struct {
	Result      string  `json:"result"`
	Version     int     `json:"version"`
	Metadata    string  `json:"metadata"`
	AgentState  *string `json:"agentState"`
	RunnerState *string `json:"runnerState"`
}

// MutateMetadata applies fn to the mirrored metadata and pushes the result
// through the versioned update protocol. fn must be pure: on a version
// mismatch the mirror adopts the authoritative value and fn runs again
// against it, with backoff, until the write lands or ctx expires.
func (c *Client) MutateMetadata(ctx context.Context, fn func(current string) string) error {
	if err := c.metadata.lockCtx(ctx); err != nil {
		return err
	}
	defer c.metadata.unlock()

	event := "update-metadata"
	idField := "sid"
	if c.opts.MachineID != "" {
		event = "machine-update-metadata"
		idField = "machineId"
	}

	backoff := mutateBackoff
	for {
		next := fn(c.metadata.value)
		ack, err := c.sendUpdate(ctx, event, map[string]any{
			idField:           c.entityID(),
			"expectedVersion": c.metadata.version,
			"metadata":        next,
		})
		if err != nil {
			if waitErr := sleepCtx(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = growBackoff(backoff)
			continue
		}

		switch ack.Result {
		case "success":
			c.metadata.value = next
			c.metadata.version = ack.Version
			return nil
		case "version-mismatch":
			c.metadata.value = ack.Metadata
			c.metadata.version = ack.Version
			if waitErr := sleepCtx(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = growBackoff(backoff)
		default:
			return fmt.Errorf("metadata update rejected: %s", ack.Result)
		}
	}
}

// MutateAgentState is MutateMetadata for the state field; on a machine-scoped
// client it drives the runner state.
func (c *Client) MutateAgentState(ctx context.Context, fn func(current *string) *string) error {
	if err := c.agentState.lockCtx(ctx); err != nil {
		return err
	}
	defer c.agentState.unlock()

	event := "update-state"
	idField := "sid"
	valueField := "agentState"
	if c.opts.MachineID != "" {
		event = "machine-update-state"
		idField = "machineId"
		valueField = "runnerState"
	}

	backoff := mutateBackoff
	for {
		next := fn(c.agentState.value)
		ack, err := c.sendUpdate(ctx, event, map[string]any{
			idField:           c.entityID(),
			"expectedVersion": c.agentState.version,
			valueField:        next,
		})
		if err != nil {
			if waitErr := sleepCtx(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = growBackoff(backoff)
			continue
		}

		switch ack.Result {
		case "success":
			c.agentState.value = next
			c.agentState.version = ack.Version
			return nil
		case "version-mismatch":
			if c.opts.MachineID != "" {
				c.agentState.value = ack.RunnerState
			} else {
				c.agentState.value = ack.AgentState
			}
			c.agentState.version = ack.Version
			if waitErr := sleepCtx(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = growBackoff(backoff)
		default:
			return fmt.Errorf("state update rejected: %s", ack.Result)
		}
	}
}

func (c *Client) sendUpdate(ctx context.Context, event string, body map[string]any) (updateAck, error) {
	resp, err := c.emitWithAck(ctx, event, body)
	if err != nil {
		return updateAck{}, err
	}
	if len(resp) < 1 {
		return updateAck{}, fmt.Errorf("connection dropped before ack")
	}
	var ack updateAck
	if err := json.Unmarshal(resp[0], &ack); err != nil {
		return updateAck{}, err
	}
	if ack.Result == "" {
		return updateAck{}, fmt.Errorf("malformed update ack")
	}
	return ack, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func growBackoff(d time.Duration) time.Duration {
	d *= 2
	if d > time.Second {
		d = time.Second
	}
	return d
}
