package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/outbox"
	"github.com/matheus3301/dealroom/internal/status"
	dsync "github.com/matheus3301/dealroom/internal/sync"
	"github.com/matheus3301/dealroom/internal/wire"
	"github.com/spf13/cobra"
)

func newWatchCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [conversation-id...]",
		Short: "Stay connected: deliver the queue and print live events",
		Long:  "Opens the live link, joins the given conversations and every tracked one, delivers queued messages and replays missed history after each reconnect. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := g.openAgent(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			events, unsubscribe := a.Bus().Subscribe("", 256)
			defer unsubscribe()

			if err := a.Start(ctx); err != nil {
				return err
			}
			tracked, err := a.Tracked(ctx)
			if err != nil {
				return err
			}
			for _, id := range append(args, tracked...) {
				if err := a.Watch(ctx, id); err != nil {
					return fmt.Errorf("watch %s: %w", id, err)
				}
			}

			out := cmd.OutOrStdout()
			if rooms := a.Link().Rooms(); len(rooms) > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", strings.Join(rooms, ", "))
			} else {
				fmt.Fprintln(cmd.ErrOrStderr(), "no conversations to watch yet")
			}
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt := <-events:
					if g.jsonOut {
						if err := writeJSON(out, evt); err != nil {
							return err
						}
						continue
					}
					printEvent(out, evt)
				}
			}
		},
	}
}

func printEvent(w io.Writer, evt bus.Event) {
	ts := evt.Timestamp.Local().Format(time.TimeOnly)
	switch p := evt.Payload.(type) {
	case wire.NewMessage:
		fmt.Fprintf(w, "%s %s %s\n", ts, p.ConversationID, formatMessage(p.Message))
	case wire.Typing:
		verb := "stopped typing"
		if p.IsTyping {
			verb = "is typing"
		}
		fmt.Fprintf(w, "%s %s %s %s\n", ts, p.ConversationID, p.Participant, verb)
	case wire.ConversationRead:
		fmt.Fprintf(w, "%s %s read by %s\n", ts, p.ConversationID, p.Participant)
	case wire.Error:
		fmt.Fprintf(w, "%s error %s: %s\n", ts, p.Code, p.Message)
	case status.StatusChange:
		fmt.Fprintf(w, "%s link %s -> %s\n", ts, p.From, p.To)
	case outbox.Notice:
		line := fmt.Sprintf("%s %s %s/%s", ts, evt.Kind, p.ConversationID, p.MessageID)
		if p.RetryIn > 0 {
			line += fmt.Sprintf(" retry in %s", p.RetryIn.Round(time.Millisecond))
		}
		if p.Err != "" {
			line += ": " + p.Err
		}
		fmt.Fprintln(w, line)
	case dsync.Report:
		fmt.Fprintf(w, "%s resync done: %d conversations, %d replayed, %d skipped\n", ts, p.Conversations, p.Replayed, len(p.Skipped))
	default:
		fmt.Fprintf(w, "%s %s %v\n", ts, evt.Kind, p)
	}
}
