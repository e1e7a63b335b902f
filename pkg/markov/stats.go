package markov

// ChainStats holds aggregated statistics for a single chain.
type ChainStats struct {
	Order          int    `json:"order"`
	VocabSize      int    `json:"vocab_size"`      // The number of unique tokens, including the two sentinels
	Contexts       int    `json:"contexts"`        // The number of unique contexts
	TotalChains    int    `json:"total_chains"`    // The number of unique context->next_token links.
	TotalFrequency uint64 `json:"total_frequency"` // The sum of counts of all links; the total number of trained transitions.
	StartingTokens int    `json:"starting_tokens"` // The number of unique tokens that can start a sentence.
}

// Stats returns a snapshot of statistics for the chain.
func (c *Chain) Stats() ChainStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := ChainStats{
		Order:     c.order,
		VocabSize: c.vocab.len(),
		Contexts:  len(c.table),
	}
	for _, succ := range c.table {
		stats.TotalChains += len(succ.tokens)
		stats.TotalFrequency += succ.total
	}
	// The all-Start context is the zero key.
	if succ, ok := c.table[contextKey{}]; ok {
		stats.StartingTokens = len(succ.tokens)
	}
	return stats
}
