package typ

// UsageStat aggregates the token accounting extracted from one upstream
// response.
type UsageStat struct {
	InputTokens              int     `json:"input_tokens"`
	OutputTokens             int     `json:"output_tokens"`
	CacheReadInputTokens     int     `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int     `json:"cache_creation_input_tokens"`
	Model                    string  `json:"model,omitempty"`
	CostUSD                  float64 `json:"cost_usd"`
	TokensPerSecond          float64 `json:"tokens_per_second,omitempty"`
}

// TotalTokens returns the sum of all token counters.
func (u UsageStat) TotalTokens() int {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// IsZero reports whether no usage information was collected.
func (u UsageStat) IsZero() bool {
	return u.InputTokens == 0 && u.OutputTokens == 0 &&
		u.CacheReadInputTokens == 0 && u.CacheCreationInputTokens == 0
}
