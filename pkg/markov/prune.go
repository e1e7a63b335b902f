package markov

import (
	"log/slog"
	"slices"
)

// Prune removes all transitions that have a count less than or equal to
// minFreq. This is useful for reducing the size of a chain by removing rare,
// and often noisy, transitions. Contexts left without successors are removed
// entirely, so every remaining context can still be sampled. Prune returns
// the number of transitions removed.
//
// Pruning can leave contexts that a walk reaches but cannot continue from;
// the walk's FallbackPolicy decides what happens then.
func (c *Chain) Prune(minFreq uint64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var removed, contextsRemoved int
	for key, succ := range c.table {
		kept := succ.tokens[:0]
		var total uint64
		for _, t := range succ.tokens {
			if t.Freq <= minFreq {
				removed++
				continue
			}
			kept = append(kept, t)
			total += t.Freq
		}
		if len(kept) == 0 {
			delete(c.table, key)
			contextsRemoved++
			continue
		}
		succ.tokens = slices.Clip(kept)
		succ.total = total
		succ.reindex()
	}

	c.logger.Info("Chain pruned",
		slog.Uint64("min_frequency", minFreq),
		slog.Int("transitions_removed", removed),
		slog.Int("contexts_removed", contextsRemoved),
	)
	return removed
}
