package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/matheus3301/dealroom/internal/agent"
	"github.com/matheus3301/dealroom/internal/backoff"
	"github.com/matheus3301/dealroom/internal/config"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/logging"
	"github.com/matheus3301/dealroom/internal/profile"
	"github.com/matheus3301/dealroom/internal/tui"
	"github.com/matheus3301/dealroom/internal/wire"
	"go.uber.org/zap/zapcore"
)

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides config default)")
	configFlag := flag.String("config", "", "client config file (default ~/.dealroom/config.toml)")
	flag.Parse()

	if err := run(*profileFlag, *configFlag); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(profileName, configPath string) error {
	if configPath == "" {
		configPath = profile.ConfigPath()
	}
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}
	name := profile.Resolve(profileName, cfg.DefaultProfile)
	p, err := profile.New("", name)
	if err != nil {
		return err
	}
	cp, err := cfg.Profile(name)
	if err != nil {
		return err
	}
	if err := p.EnsureDir(); err != nil {
		return err
	}

	// The terminal owns stdout and stderr; log to the profile only.
	logger, err := logging.NewFile(p.LogPath("tui"), "dealroomtui", zapcore.InfoLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := context.Background()
	a, err := agent.Open(ctx, agent.Options{
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
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	b := backend{a}
	app := tui.NewApp(b, cp.Participant, name, logger)
	if err := a.Start(ctx); err != nil {
		return err
	}
	return app.Run()
}

// backend adapts the agent to the terminal client.
type backend struct {
	*agent.Agent
}

func (b backend) List(ctx context.Context, participant string, page conversation.Page) (*wire.ConversationList, error) {
	return b.REST().List(ctx, participant, page)
}

func (b backend) History(ctx context.Context, conversationID string, page conversation.Page) (*wire.MessageList, error) {
	return b.REST().History(ctx, conversationID, page)
}

func (b backend) MarkRead(ctx context.Context, conversationID string) (*conversation.Conversation, error) {
	return b.REST().MarkRead(ctx, conversationID)
}

func (b backend) Flag(ctx context.Context, conversationID, reason string) (*conversation.Conversation, error) {
	return b.REST().Flag(ctx, conversationID, reason)
}

func (b backend) Queued() int {
	return b.Queue().Len()
}

func (b backend) Typing(ctx context.Context, conversationID string, isTyping bool) error {
	return b.Link().Typing(ctx, conversationID, isTyping)
}
