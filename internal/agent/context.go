package agent

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"omnichat/internal/domain"
)

const (
	defaultContextTimeout = 10 * time.Second
	defaultRAGTopK        = 5
	defaultFileLimit      = 3
)

// turnContext is the optional context gathered for one turn. Each field is
// empty when its source is disabled or failed.
type turnContext struct {
	Memories  []string
	Knowledge []domain.RetrievedChunk
	Files     []domain.RetrievedChunk
}

func (t turnContext) memoryUsed() bool { return len(t.Memories) > 0 }
func (t turnContext) ragUsed() bool { return len(t.Knowledge) > 0 }
func (t turnContext) fileSearchUsed() bool { return len(t.Files) > 0 }

// gatherContext queries memory, the knowledge base and file search in
// parallel. A failing source is logged and skipped for this turn only.
func (p *Processor) gatherContext(ctx context.Context, userID string, acct domain.ChannelAccount, convID, query string) turnContext {
	cfg := acct.RuntimeConfig
	ctx, cancel := context.WithTimeout(ctx, p.contextTimeout)
	defer cancel()

	var tc turnContext
	var g errgroup.Group

	if cfg.MemoryEnabled && p.memory != nil {
		g.Go(func() error {
			mems, err := p.memory.Recall(ctx, acct, convID, query)
			if err != nil {
				p.logger.Warn("memory recall failed", "account", acct.ID, "err", err)
				return nil
			}
			tc.Memories = mems
			return nil
		})
	}
	if cfg.RAGEnabled && p.retriever != nil && query != "" {
		g.Go(func() error {
			chunks, err := p.retriever.Retrieve(ctx, userID, query, p.ragTopK)
			if err != nil {
				p.logger.Warn("knowledge retrieval failed", "account", acct.ID, "err", err)
				return nil
			}
			tc.Knowledge = chunks
			return nil
		})
	}
	if cfg.FileSearchEnabled && p.files != nil && query != "" {
		g.Go(func() error {
			chunks, err := p.files.SearchFiles(ctx, userID, query, p.fileLimit)
			if err != nil {
				p.logger.Warn("file search failed", "account", acct.ID, "err", err)
				return nil
			}
			tc.Files = chunks
			return nil
		})
	}
	g.Wait()
	return tc
}
