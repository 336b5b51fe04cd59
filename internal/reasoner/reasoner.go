// Package reasoner explains a pattern of signals as an issue draft. The AI
// strategy is preferred when configured; the rule strategy always answers.
package reasoner

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"mendline/internal/config"
	"mendline/internal/domain"
)

// Strategy names, stored on the issue as its reasoner.
const (
	StrategyAI    = "ai"
	StrategyRules = "rules"
)

type Reasoner interface {
	Name() string
	Analyze(ctx context.Context, signals []domain.Signal) (domain.IssueDraft, error)
}

// Result is a draft together with the strategy that produced it.
type Result struct {
	Draft    domain.IssueDraft
	Strategy string
	// Degraded holds the primary strategy's failure when the fallback answered.
	Degraded string
}

// FromConfig builds the failover chain. The AI strategy is enabled only when
// the provider is openai and the key variable is set.
func FromConfig(cfg *config.Config, logger *slog.Logger) *Failover {
	rc := cfg.Reasoner
	var primary Reasoner
	if rc.Provider == "openai" {
		if key := strings.TrimSpace(os.Getenv(rc.APIKeyEnv)); key != "" {
			primary = NewOpenAI(OpenAIOptions{
				APIKey:            key,
				BaseURL:           rc.BaseURL,
				Model:             rc.Model,
				Temperature:       rc.Temperature,
				MaxContextSignals: rc.MaxContextSignals,
				MaxContentChars:   rc.MaxContentChars,
			})
		}
	}
	return NewFailover(primary, Rules{}, rc.Timeout, logger)
}
