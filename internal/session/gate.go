package session

import (
	"context"
	"sync"
)

// JobResult is the outcome of one queued job.
type JobResult struct {
	// Err is the stream failure, if any.
	Err error
	// Removed reports that the job never ran: it was removed from the
	// queue, cleared, or aborted.
	Removed bool
}

// Completion resolves exactly once when its queued job finishes, fails, or
// is removed before running.
type Completion struct {
	once sync.Once
	ch   chan JobResult
}

func newCompletion() *Completion {
	return &Completion{ch: make(chan JobResult, 1)}
}

func (c *Completion) settle(res JobResult) {
	c.once.Do(func() {
		c.ch <- res
		close(c.ch)
	})
}

// Done returns a channel that receives the job result.
func (c *Completion) Done() <-chan JobResult {
	return c.ch
}

// Wait blocks for the result or the context.
func (c *Completion) Wait(ctx context.Context) (JobResult, error) {
	select {
	case res := <-c.ch:
		return res, nil
	case <-ctx.Done():
		return JobResult{}, ctx.Err()
	}
}

// abortGate is a one-shot abort signal raced against the in-flight provider
// call. Firing the gate abandons the stream without cancelling the
// provider's context.
type abortGate struct {
	once sync.Once
	ch   chan struct{}
}

func newAbortGate() *abortGate {
	return &abortGate{ch: make(chan struct{})}
}

func (g *abortGate) cancel() {
	g.once.Do(func() { close(g.ch) })
}

func (g *abortGate) done() <-chan struct{} {
	return g.ch
}
