package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"omnichat/internal/bus"
	"omnichat/internal/domain"
)

// generation is what one streamed run produced. Results holds every tool
// result seen, in order, even when a later step failed.
type generation struct {
	Text    string
	Results []domain.ToolResult
	Usage   domain.Usage
	Steps   int
	Err     error
}

func (p *Processor) generate(ctx context.Context, accountID string, req domain.GenerationRequest) generation {
	var gen generation
	if err := p.limiters.Wait(ctx, accountID); err != nil {
		gen.Err = fmt.Errorf("rate limit: %w", err)
		return gen
	}

	ctx, cancel := context.WithTimeout(ctx, p.genTimeout)
	defer cancel()

	out := make(chan domain.StreamEvent, 64)
	errCh := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errCh <- fmt.Errorf("generator panic: %v", r)
			}
		}()
		errCh <- p.generator.Stream(ctx, req, out)
	}()

	var text strings.Builder
	seen := make(map[string]bool)
	collect := func(results []domain.ToolResult) {
		for _, r := range results {
			key := r.CallID
			if key == "" {
				key = r.Name + "\x00" + r.Output
			}
			if seen[key] {
				continue
			}
			seen[key] = true
			gen.Results = append(gen.Results, r)
		}
	}
	handle := func(ev domain.StreamEvent) {
		switch ev.Type {
		case domain.StreamToken:
			text.WriteString(ev.Content)
		case domain.StreamToolStart:
			p.logger.Debug("tool started", "tool", ev.Tool, "step", ev.Step)
		case domain.StreamToolEnd:
			collect(ev.ToolResults)
			p.emit(bus.EventToolExecuted, map[string]any{"account_id": accountID, "tool": ev.Tool})
		case domain.StreamStep:
			collect(ev.ToolResults)
			if ev.Step > gen.Steps {
				gen.Steps = ev.Step
			}
		case domain.StreamDone:
			if ev.Usage != nil {
				gen.Usage.Add(*ev.Usage)
			}
		case domain.StreamError:
			// provider text is logged, never shown to the user
			p.logger.Warn("generator reported an error", "account", accountID, "detail", ev.Content)
		}
	}

	// Stream closes out before returning, so once errCh fires every event is
	// already buffered. A panicking generator may never close out; the
	// non-blocking drain covers that case.
	for done := false; !done; {
		select {
		case ev, ok := <-out:
			if !ok {
				gen.Err = <-errCh
				done = true
				break
			}
			handle(ev)
		case err := <-errCh:
			gen.Err = err
			for drained := false; !drained; {
				select {
				case ev, ok := <-out:
					if !ok {
						drained = true
						break
					}
					handle(ev)
				default:
					drained = true
				}
			}
			done = true
		}
	}

	if gen.Err == nil && ctx.Err() != nil {
		gen.Err = ctx.Err()
	}
	if errors.Is(gen.Err, context.DeadlineExceeded) {
		gen.Err = fmt.Errorf("generation timed out after %s: %w", p.genTimeout, gen.Err)
	}
	gen.Text = text.String()
	return gen
}
