package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/outbox"
	"github.com/spf13/cobra"
)

func newSendCmd(g *globals) *cobra.Command {
	var messageID string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Queue a message and try to deliver it",
		Long:  "Queues the message in the profile's outbox and flushes once. A message that cannot be delivered now stays queued; run retry or watch to deliver it later.",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			it, err := a.Send(cmd.Context(), args[0], conversation.Message{ID: messageID, Text: strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			return printReport(cmd.OutOrStdout(), g.jsonOut, a.Flush(ctx), it.Message.ID)
		},
	}
	cmd.Flags().StringVar(&messageID, "id", "", "client message id (generated when empty)")
	return cmd
}

func newQueueCmd(g *globals) *cobra.Command {
	var clear string
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show messages waiting in the outbox",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if clear != "" {
				n, err := a.Queue().Clear(cmd.Context(), clear)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dropped %d queued messages\n", n)
				return nil
			}
			items := a.Queue().Pending()
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), items)
			}
			printItems(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVar(&clear, "clear", "", "drop every queued message of this conversation")
	return cmd
}

func newRetryCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Retry every queued message now, including stalled ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			a.Queue().Retry()
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			return printReport(cmd.OutOrStdout(), g.jsonOut, a.Flush(ctx), "")
		},
	}
}

type reportJSON struct {
	Delivered []string `json:"delivered"`
	Rejected  []string `json:"rejected"`
	Retrying  []string `json:"retrying"`
	Stalled   []string `json:"stalled"`
}

func printReport(w io.Writer, jsonOut bool, r outbox.Report, sent string) error {
	var out reportJSON
	for _, m := range r.Delivered {
		out.Delivered = append(out.Delivered, m.ID)
	}
	for _, rj := range r.Rejected {
		out.Rejected = append(out.Rejected, fmt.Sprintf("%s: %v", rj.Message.ID, rj.Err))
	}
	for _, it := range r.Retrying {
		out.Retrying = append(out.Retrying, it.Message.ID)
	}
	for _, it := range r.Stalled {
		out.Stalled = append(out.Stalled, it.Message.ID)
	}
	if jsonOut {
		return writeJSON(w, out)
	}
	if sent != "" {
		fmt.Fprintf(w, "queued %s\n", sent)
	}
	fmt.Fprintf(w, "delivered: %d  rejected: %d  retrying: %d  stalled: %d\n",
		len(out.Delivered), len(out.Rejected), len(out.Retrying), len(out.Stalled))
	for _, s := range out.Rejected {
		fmt.Fprintf(w, "  rejected %s\n", s)
	}
	return nil
}

func printItems(w io.Writer, items []outbox.Item) {
	if len(items) == 0 {
		fmt.Fprintln(w, "outbox empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CONVERSATION\tMESSAGE\tSTATUS\tATTEMPTS\tQUEUED\tLAST ERROR")
	for _, it := range items {
		st := string(it.Status)
		if it.Stalled {
			st += " (stalled)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			it.ConversationID, it.Message.ID, st, it.Backoff.Attempt, it.EnqueuedAt.Local().Format(time.DateTime), it.LastError)
	}
	_ = tw.Flush()
}
