package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"omnichat/internal/domain"
)

// Failover tries generators in order. It moves to the next generator only
// when the current one fails before emitting anything the caller could have
// used (tokens, tool activity, step results). Once output has been forwarded
// the failure is returned as is.
type Failover struct {
	generators []domain.Generator
	logger     *slog.Logger
}

// NewFailover creates a failover chain. At least one generator is required.
func NewFailover(generators []domain.Generator, logger *slog.Logger) (*Failover, error) {
	if len(generators) == 0 {
		return nil, errors.New("failover: no generators")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Failover{generators: generators, logger: logger}, nil
}

func (f *Failover) Name() string {
	names := make([]string, len(f.generators))
	for i, g := range f.generators {
		names[i] = g.Name()
	}
	return "failover(" + strings.Join(names, "→") + ")"
}

// SupportsVision answers for the primary generator, which serves the
// request whenever it is healthy.
func (f *Failover) SupportsVision(model string) bool {
	return f.generators[0].SupportsVision(model)
}

func (f *Failover) Stream(ctx context.Context, req domain.GenerationRequest, out chan<- domain.StreamEvent) error {
	defer close(out)

	var lastErr error
	for i, g := range f.generators {
		last := i == len(f.generators)-1
		committed, err := f.relay(ctx, g, req, out, last)
		if err == nil {
			if i > 0 {
				f.logger.Info("failover: used fallback generator", "generator", g.Name(), "attempt", i+1)
			}
			return nil
		}
		lastErr = err
		if committed || ctx.Err() != nil {
			return err
		}
		if !last {
			f.logger.Warn("failover: generator failed before output, trying next",
				"generator", g.Name(),
				"attempt", i+1,
				"error", err,
			)
		}
	}
	return fmt.Errorf("all generators in failover chain failed: %w", lastErr)
}

// relay runs one generator on its own channel and forwards its events.
// Error events are held back until output has been committed, so a
// generator that fails immediately leaves no trace on out. committed
// reports whether anything was forwarded.
func (f *Failover) relay(ctx context.Context, g domain.Generator, req domain.GenerationRequest, out chan<- domain.StreamEvent, last bool) (committed bool, err error) {
	inner := make(chan domain.StreamEvent, 16)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				closeQuietly(inner)
				errCh <- fmt.Errorf("generator %s panicked: %v", g.Name(), r)
			}
		}()
		errCh <- g.Stream(ctx, req, inner)
	}()

	var held []domain.StreamEvent
	for ev := range inner {
		if ev.Type == domain.StreamError && !committed {
			held = append(held, ev)
			continue
		}
		committed = committed || ev.Type != domain.StreamDone
		if err := emit(ctx, out, ev); err != nil {
			// Keep draining so the generator can finish and close inner.
			for range inner {
			}
			<-errCh
			return committed, err
		}
	}
	err = <-errCh

	if err != nil && (committed || last) {
		for _, ev := range held {
			emit(ctx, out, ev)
		}
	}
	return committed, err
}

// closeQuietly closes ch unless the generator already did.
func closeQuietly(ch chan domain.StreamEvent) {
	defer func() { _ = recover() }()
	close(ch)
}
