package llm

import "time"

// TokenStats summarizes one completed generation for display and logging.
type TokenStats struct {
	Model              string        `json:"model"`
	CreatedAt          time.Time     `json:"created_at"`
	TotalDuration      time.Duration `json:"total_duration"`
	LoadDuration       time.Duration `json:"load_duration"`
	PromptEvalCount    int           `json:"prompt_eval_count"`
	PromptEvalDuration time.Duration `json:"prompt_eval_duration"`
	EvalCount          int           `json:"eval_count"`
	EvalDuration       time.Duration `json:"eval_duration"`
	InputTokens        int           `json:"input_tokens"`
	OutputTokens       int           `json:"output_tokens"`
	TotalTokens        int           `json:"total_tokens"`
	TimeToFirstToken   time.Duration `json:"time_to_first_token"`
}

// StatsFromChunk folds a terminal chunk's metadata into a snapshot.
// started is when the call began; firstToken is when the first content
// delta arrived (zero if none did). Returns nil when the chunk carries
// no metadata at all.
func StatsFromChunk(model string, started, firstToken time.Time, ch Chunk) *TokenStats {
	if ch.Usage == nil && ch.Meta == nil {
		return nil
	}
	s := &TokenStats{Model: model, CreatedAt: time.Now()}
	if !firstToken.IsZero() {
		s.TimeToFirstToken = firstToken.Sub(started)
	}
	if ch.Usage != nil {
		s.InputTokens = ch.Usage.InputTokens
		s.OutputTokens = ch.Usage.OutputTokens
		s.TotalTokens = ch.Usage.TotalTokens
	}
	if ch.Meta != nil {
		if !ch.Meta.CreatedAt.IsZero() {
			s.CreatedAt = ch.Meta.CreatedAt
		}
		s.TotalDuration = ch.Meta.TotalDuration
		s.LoadDuration = ch.Meta.LoadDuration
		s.PromptEvalCount = ch.Meta.PromptEvalCount
		s.PromptEvalDuration = ch.Meta.PromptEvalDuration
		s.EvalCount = ch.Meta.EvalCount
		s.EvalDuration = ch.Meta.EvalDuration
		if s.InputTokens == 0 {
			s.InputTokens = ch.Meta.PromptEvalCount
		}
		if s.OutputTokens == 0 {
			s.OutputTokens = ch.Meta.EvalCount
		}
		if s.TotalTokens == 0 {
			s.TotalTokens = s.InputTokens + s.OutputTokens
		}
	}
	return s
}

// TokensPerSecond reports generation throughput, zero when unknown.
func (s *TokenStats) TokensPerSecond() float64 {
	if s == nil || s.EvalDuration <= 0 {
		return 0
	}
	return float64(s.EvalCount) / s.EvalDuration.Seconds()
}
