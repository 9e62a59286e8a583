package pool

import (
	"fmt"
	"strings"

	"github.com/veighnsche/inferd/pkg/types"
)

// buildFrame renders a request into the byte frame written to the engine's
// stdin: optional system prompt, then the user prompt, newline-terminated.
// The whole frame goes out in a single unbuffered write, so the write is
// also the flush. Everything is UTF-8 because Go strings already are.
func buildFrame(req types.QueryRequest) []byte {
	var b strings.Builder
	if req.SystemPrompt != "" {
		b.WriteString(req.SystemPrompt)
		b.WriteString("\n")
	}
	b.WriteString(req.Prompt)
	b.WriteString("\n")
	return []byte(b.String())
}

// buildArgs assembles the spawn argv for one worker from the generation's
// config. Zero-valued params are omitted so the engine keeps its defaults.
func buildArgs(cfg Config) []string {
	args := []string{"-m", cfg.Model}
	p := cfg.Params
	if p.MaxTokens > 0 {
		args = append(args, "-n", fmt.Sprint(p.MaxTokens))
	}
	if p.Temperature > 0 {
		args = append(args, "--temp", trimFloat(p.Temperature))
	}
	if p.TopP > 0 {
		args = append(args, "--top-p", trimFloat(p.TopP))
	}
	if p.TopK > 0 {
		args = append(args, "--top-k", fmt.Sprint(p.TopK))
	}
	if p.RepeatPenalty > 0 {
		args = append(args, "--repeat-penalty", trimFloat(p.RepeatPenalty))
	}
	if p.PresencePenalty > 0 {
		args = append(args, "--presence-penalty", trimFloat(p.PresencePenalty))
	}
	if p.FrequencyPenalty > 0 {
		args = append(args, "--frequency-penalty", trimFloat(p.FrequencyPenalty))
	}
	if cfg.CtxSize > 0 {
		args = append(args, "-c", fmt.Sprint(cfg.CtxSize))
	}
	if cfg.Threads > 0 {
		args = append(args, "-t", fmt.Sprint(cfg.Threads))
	}
	if len(cfg.ExtraArgs) > 0 {
		args = append(args, cfg.ExtraArgs...)
	}
	return args
}

func trimFloat(f float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.3f", f), "0"), ".")
}

// estimateTokens approximates a token count at four bytes per token, the
// usual rule of thumb for English text under BPE vocabularies.
func estimateTokens(s string) int {
	if s == "" {
		return 0
	}
	n := (len(s) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}
