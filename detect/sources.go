package detect

import (
	"context"
	"log/slog"
	"time"
)

// Scope selects which element a mutation observer is attached to.
type Scope int

const (
	// ScopeContainer observes the row container's subtree.
	ScopeContainer Scope = iota
	// ScopeParent observes the container's parent, catching replacement
	// of the container element itself.
	ScopeParent
)

func (s Scope) String() string {
	switch s {
	case ScopeContainer:
		return "container"
	case ScopeParent:
		return "parent"
	default:
		return "unknown"
	}
}

// Observer blocks until one structural mutation is seen in scope, returning
// nil, or fails (element missing, page gone). It resolves the scope's element
// afresh on every call and must release the underlying observer on return.
type Observer interface {
	ObserveMutation(ctx context.Context, scope Scope) error
}

type pollSource struct {
	interval time.Duration
}

// PollSource fires immediately and then every interval.
func PollSource(interval time.Duration) Source {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return pollSource{interval: interval}
}

func (p pollSource) Name() string { return "poll" }

func (p pollSource) Watch(ctx context.Context, fire func()) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		if ctx.Err() != nil {
			return
		}
		fire()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MutationSources returns the container and parent channels. They share a
// re-attach signal: a parent mutation moves the container channel onto
// whatever element now matches the container.
func MutationSources(obs Observer, retry time.Duration) []Source {
	if retry <= 0 {
		retry = time.Second
	}
	reattach := make(chan struct{}, 1)
	return []Source{
		&containerSource{obs: obs, reattach: reattach, retry: retry},
		&parentSource{obs: obs, reattach: reattach, retry: retry},
	}
}

type containerSource struct {
	obs      Observer
	reattach chan struct{}
	retry    time.Duration
}

func (c *containerSource) Name() string { return ScopeContainer.String() }

func (c *containerSource) Watch(ctx context.Context, fire func()) {
	for {
		attachCtx, detach := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() { errCh <- c.obs.ObserveMutation(attachCtx, ScopeContainer) }()

		select {
		case err := <-errCh:
			detach()
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				fire()
				continue
			}
			slog.Debug("detect: container observer failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-c.reattach:
			case <-time.After(c.retry):
			}
		case <-c.reattach:
			detach()
			<-errCh
		case <-ctx.Done():
			detach()
			<-errCh
			return
		}
	}
}

type parentSource struct {
	obs      Observer
	reattach chan struct{}
	retry    time.Duration
}

func (p *parentSource) Name() string { return ScopeParent.String() }

func (p *parentSource) Watch(ctx context.Context, fire func()) {
	for {
		err := p.obs.ObserveMutation(ctx, ScopeParent)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Debug("detect: parent observer failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.retry):
			}
			continue
		}
		select {
		case p.reattach <- struct{}{}:
		default:
		}
		fire()
	}
}
