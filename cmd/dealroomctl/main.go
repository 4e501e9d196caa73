package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/matheus3301/dealroom/internal/agent"
	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/client"
	"github.com/matheus3301/dealroom/internal/config"
	"github.com/matheus3301/dealroom/internal/logging"
	"github.com/matheus3301/dealroom/internal/profile"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

const requestTimeout = 15 * time.Second

// globals are the persistent flags shared by every subcommand.
type globals struct {
	profile    string
	configPath string
	jsonOut    bool
	verbose    bool
}

func newRootCmd() *cobra.Command {
	g := &globals{}
	cmd := &cobra.Command{
		Use:           "dealroomctl",
		Short:         "dealroom client: conversations, offline queue and live events",
		Long:          "dealroomctl talks to a dealroom server as one participant. Messages are queued locally and delivered when the server is reachable.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&g.profile, "profile", "p", "", "profile name (overrides config default)")
	cmd.PersistentFlags().StringVar(&g.configPath, "config", "", "client config file (default ~/.dealroom/config.toml)")
	cmd.PersistentFlags().BoolVar(&g.jsonOut, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log to stderr")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newProfileCmd(g))
	cmd.AddCommand(newStartCmd(g))
	cmd.AddCommand(newSendCmd(g))
	cmd.AddCommand(newListCmd(g))
	cmd.AddCommand(newHistoryCmd(g))
	cmd.AddCommand(newReadCmd(g))
	cmd.AddCommand(newQueueCmd(g))
	cmd.AddCommand(newRetryCmd(g))
	cmd.AddCommand(newWatchCmd(g))
	cmd.AddCommand(newHealthCmd(g))
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dealroomctl %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

func (g *globals) clientConfigPath() string {
	if g.configPath != "" {
		return g.configPath
	}
	return profile.ConfigPath()
}

func (g *globals) loadConfig() (*config.Client, error) {
	return config.LoadClient(g.clientConfigPath())
}

// resolve returns the active profile and its server binding.
func (g *globals) resolve() (*config.Client, profile.Profile, config.ClientProfile, error) {
	cfg, err := g.loadConfig()
	if err != nil {
		return nil, profile.Profile{}, config.ClientProfile{}, err
	}
	name := profile.Resolve(g.profile, cfg.DefaultProfile)
	p, err := profile.New("", name)
	if err != nil {
		return nil, profile.Profile{}, config.ClientProfile{}, err
	}
	cp, err := cfg.Profile(name)
	if err != nil {
		return nil, p, cp, err
	}
	return cfg, p, cp, nil
}

func (g *globals) rest() (*client.REST, error) {
	_, _, cp, err := g.resolve()
	if err != nil {
		return nil, err
	}
	return client.NewREST(cp.ServerURL, cp.Participant, cp.Role, nil)
}

func (g *globals) logger(cmd *cobra.Command, p profile.Profile) *zap.Logger {
	if g.verbose {
		return logging.NewConsole(zapcore.DebugLevel)
	}
	l, err := logging.NewFile(p.LogPath("agent"), "dealroomctl", zapcore.InfoLevel)
	if err != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: file logging disabled: %v\n", err)
		return zap.NewNop()
	}
	return l
}

func (g *globals) openAgent(cmd *cobra.Command) (*agent.Agent, error) {
	cfg, p, cp, err := g.resolve()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	return agent.Open(ctx, agent.Options{
		Profile:     p,
		ServerURL:   cp.ServerURL,
		Participant: cp.Participant,
		Role:        cp.Role,
		Policy: backoff.Policy{
			Base:        cfg.Queue.BaseDelay.Duration,
			Max:         cfg.Queue.MaxDelay.Duration,
			MaxAttempts: cfg.Queue.MaxAttempts,
		},
		FlushInterval: cfg.Queue.FlushInterval.Duration,
		Logger:        g.logger(cmd, p),
	})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}
