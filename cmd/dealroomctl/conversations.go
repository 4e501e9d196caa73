package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/matheus3301/dealroom/internal/chat"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/spf13/cobra"
)

func newStartCmd(g *globals) *cobra.Command {
	var (
		recipient string
		messageID string
	)
	cmd := &cobra.Command{
		Use:   "start <subject-id> <text>",
		Short: "Open a conversation about a listing",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := g.openAgent(cmd)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := a.StartConversation(ctx, chat.StartRequest{
				SubjectID:        args[0],
				RecipientID:      recipient,
				InitialMessage:   strings.Join(args[1:], " "),
				InitialMessageID: messageID,
			})
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			verb := "reopened"
			if res.Created {
				verb = "created"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s conversation %s with %s\n", verb, res.Conversation.ID, res.Conversation.ParticipantB)
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "recipient", "", "seller id when the listing is not in the catalog")
	cmd.Flags().StringVar(&messageID, "id", "", "client message id (generated when empty)")
	return cmd
}

func newListCmd(g *globals) *cobra.Command {
	var (
		participant string
		limit       int
		before      string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List conversations, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := parsePage(limit, before)
			if err != nil {
				return err
			}
			c, err := g.rest()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := c.List(ctx, participant, page)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printConversations(cmd.OutOrStdout(), c.Participant(), res.Items)
			if res.NextBefore != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "more: --before %s\n", res.NextBefore.Format(time.RFC3339Nano))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&participant, "participant", "", "list another participant's conversations (moderators only)")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&before, "before", "", "RFC 3339 cursor from a previous page")
	return cmd
}

func newHistoryCmd(g *globals) *cobra.Command {
	var (
		limit  int
		before string
	)
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Show messages of a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			page, err := parsePage(limit, before)
			if err != nil {
				return err
			}
			c, err := g.rest()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			res, err := c.History(ctx, args[0], page)
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			for _, m := range res.Items {
				fmt.Fprintln(cmd.OutOrStdout(), formatMessage(m))
			}
			if res.NextBefore != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "older: --before %s\n", res.NextBefore.Format(time.RFC3339Nano))
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&before, "before", "", "RFC 3339 cursor from a previous page")
	return cmd
}

func newReadCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.rest()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			conv, err := c.MarkRead(ctx, args[0])
			if err != nil {
				return err
			}
			if g.jsonOut {
				return writeJSON(cmd.OutOrStdout(), conv)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "conversation %s marked read\n", conv.ID)
			return nil
		},
	}
}

func parsePage(limit int, before string) (conversation.Page, error) {
	p := conversation.Page{Limit: limit}
	if before != "" {
		ts, err := time.Parse(time.RFC3339Nano, before)
		if err != nil {
			return p, fmt.Errorf("--before: %w", err)
		}
		p.Before = ts
	}
	return p, nil
}

func printConversations(w io.Writer, me string, items []conversation.Conversation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWITH\tSUBJECT\tMESSAGES\tLAST\tUNREAD")
	for _, c := range items {
		with := c.Other(me)
		if with == "" {
			with = c.ParticipantA + "/" + c.ParticipantB
		}
		unread := ""
		if c.HasParticipant(me) && !c.IsReadBy(me) {
			unread = "*"
		}
		subject := c.SubjectID
		if c.SubjectTitle != "" {
			subject = c.SubjectTitle
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n", c.ID, with, subject, c.MessageCount, c.LastMessageAt.Local().Format(time.DateTime), unread)
	}
	_ = tw.Flush()
}

func formatMessage(m conversation.Message) string {
	text := m.Text
	if m.Type != conversation.KindText && m.Type != "" {
		text = fmt.Sprintf("[%s] %s", m.Type, text)
	}
	return fmt.Sprintf("%s  %-20s %s", m.Timestamp.Local().Format(time.DateTime), m.Sender, text)
}
