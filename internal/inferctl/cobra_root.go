package inferctl

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/veighnsche/inferd/internal/pool"
	"github.com/veighnsche/inferd/pkg/types"
)

// Config carries client-side settings resolved from env, then flags.
type Config struct {
	Addr     string
	TimeoutS int
}

func defaultConfig() *Config {
	return &Config{
		Addr:     envStr("INFERCTL_ADDR", "http://127.0.0.1:8080"),
		TimeoutS: envInt("INFERCTL_TIMEOUT_S", 120),
	}
}

func (c *Config) client() *Client {
	return NewClient(c.Addr, time.Duration(c.TimeoutS)*time.Second)
}

// Execute runs the inferctl command tree.
func Execute() error { return buildRootCmdWith(defaultConfig()).Execute() }

// buildRootCmdWith constructs the Cobra command tree over the HTTP client.
func buildRootCmdWith(cfg *Config) *cobra.Command {
	root := &cobra.Command{
		Use:           "inferctl",
		Short:         "Operator CLI for a running inferd daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfg.Addr, "addr", cfg.Addr, "Base URL of the daemon (defaults INFERCTL_ADDR or http://127.0.0.1:8080)")
	root.PersistentFlags().IntVar(&cfg.TimeoutS, "timeout", cfg.TimeoutS, "Request timeout in seconds (0 disables)")

	statusCmd := &cobra.Command{Use: "status", Short: "Show pool and worker status", RunE: func(cmd *cobra.Command, args []string) error {
		st, err := cfg.client().Status(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), st)
	}}

	modelsCmd := &cobra.Command{Use: "models", Short: "List models visible to the daemon", RunE: func(cmd *cobra.Command, args []string) error {
		models, err := cfg.client().Models(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), types.ModelsResponse{Models: models})
	}}

	var (
		system      string
		maxTokens   int
		temperature float64
		topP        float64
		topK        int
		asJSON      bool
	)
	queryCmd := &cobra.Command{Use: "query <prompt>", Short: "Run one blocking inference exchange", Example: "  inferctl query \"Write a haiku about the ocean.\"", Args: cobra.MinimumNArgs(1), RunE: func(cmd *cobra.Command, args []string) error {
		req := types.QueryRequest{
			Prompt:       strings.Join(args, " "),
			SystemPrompt: system,
			MaxTokens:    maxTokens,
			Temperature:  temperature,
			TopP:         topP,
			TopK:         topK,
		}
		res, err := cfg.client().Query(cmd.Context(), req)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd.OutOrStdout(), res)
		}
		fmt.Fprintln(cmd.OutOrStdout(), res.Text)
		if res.Truncated {
			fmt.Fprintln(cmd.ErrOrStderr(), "(truncated: stream ended before a stop marker)")
		}
		return nil
	}}
	queryCmd.Flags().StringVar(&system, "system", "", "System prompt prepended to the exchange")
	queryCmd.Flags().IntVar(&maxTokens, "max-tokens", 0, "Maximum new tokens to generate")
	queryCmd.Flags().Float64Var(&temperature, "temperature", 0, "Sampling temperature")
	queryCmd.Flags().Float64Var(&topP, "top-p", 0, "Nucleus sampling probability")
	queryCmd.Flags().IntVar(&topK, "top-k", 0, "Top-K sampling cutoff")
	queryCmd.Flags().BoolVar(&asJSON, "json", false, "Print the full result as JSON")

	var reloadModel, reloadExec string
	reloadCmd := &cobra.Command{Use: "reload", Short: "Hot-swap the fleet onto a new model or executable", Example: "  inferctl reload --model tinyllama-q4", RunE: func(cmd *cobra.Command, args []string) error {
		if reloadModel == "" && reloadExec == "" {
			return errors.New("either --model or --executable is required")
		}
		res, err := cfg.client().Reload(cmd.Context(), types.ReloadRequest{Model: reloadModel, Executable: reloadExec})
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), res)
	}}
	reloadCmd.Flags().StringVar(&reloadModel, "model", "", "Registry model id, name, or path")
	reloadCmd.Flags().StringVar(&reloadExec, "executable", "", "Replacement engine executable")

	watchCmd := &cobra.Command{Use: "watch", Short: "Stream pool lifecycle events as JSON lines", RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		enc := json.NewEncoder(cmd.OutOrStdout())
		err := cfg.client().Watch(ctx, func(ev pool.Event) error { return enc.Encode(ev) })
		if ctx.Err() != nil {
			return nil
		}
		return err
	}}

	root.AddCommand(statusCmd, modelsCmd, queryCmd, reloadCmd, watchCmd)
	return root
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

// Env helpers
func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}
