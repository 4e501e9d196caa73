package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the table of the participant's conversations.
type ConversationList struct {
	*tview.Table
	theme   *ui.Theme
	me      string
	items   []conversation.Conversation
	visible []conversation.Conversation
	filter  string
}

func NewConversationList(theme *ui.Theme, me string) *ConversationList {
	table := tview.NewTable().
		SetSelectable(true, false).
		SetBorders(false).
		SetFixed(1, 0)
	table.SetBorder(true)
	table.SetBorderColor(theme.BorderColor)
	table.SetBackgroundColor(theme.BgColor)
	table.SetSelectedStyle(tcell.StyleDefault.
		Foreground(theme.TableCursorFg).
		Background(theme.TableCursorBg))
	table.SetTitleColor(theme.TitleColor)

	return &ConversationList{Table: table, theme: theme, me: me}
}

// Update replaces the rows, keeping the cursor on the same conversation.
func (cl *ConversationList) Update(items []conversation.Conversation) {
	selected := cl.Selected()
	cl.items = items
	cl.render()
	for i, c := range cl.visible {
		if c.ID == selected {
			cl.Select(i+1, 0)
			return
		}
	}
}

// SetFilter keeps rows whose counterpart, subject or last message contain
// filter, case-insensitively.
func (cl *ConversationList) SetFilter(filter string) {
	cl.filter = filter
	cl.render()
}

func (cl *ConversationList) render() {
	cl.Clear()
	headers := []struct {
		text string
		exp  int
	}{
		{" WITH", 1},
		{" SUBJECT", 1},
		{" LAST MESSAGE", 3},
		{" TIME", 0},
	}
	for col, h := range headers {
		cl.SetCell(0, col, tview.NewTableCell(h.text).
			SetSelectable(false).
			SetTextColor(cl.theme.TableHeaderFg).
			SetAttributes(tcell.AttrBold).
			SetExpansion(h.exp))
	}

	cl.visible = cl.visible[:0]
	for _, c := range cl.items {
		row := conversationRow(c, cl.me)
		if !row.matches(cl.filter) {
			continue
		}
		cl.visible = append(cl.visible, c)
		r := len(cl.visible)

		color := cl.theme.FgColor
		switch {
		case c.IsFlagged:
			color = cl.theme.FlaggedColor
		case row.unread:
			color = cl.theme.UnreadColor
		}
		cl.SetCell(r, 0, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(row.with))).SetExpansion(1).SetTextColor(color))
		cl.SetCell(r, 1, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(row.subject))).SetExpansion(1).SetTextColor(color))
		cl.SetCell(r, 2, tview.NewTableCell(" "+tview.Escape(sanitizeForTerminal(row.preview))).SetExpansion(3).SetTextColor(color))
		cl.SetCell(r, 3, tview.NewTableCell(formatTimestamp(c.LastMessageAt, time.Now())).SetTextColor(color).SetAlign(tview.AlignRight))
	}

	if cl.filter != "" {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d/%d) filter: %s ", len(cl.visible), len(cl.items), tview.Escape(cl.filter)))
	} else {
		cl.SetTitle(fmt.Sprintf(" Conversations (%d) ", len(cl.items)))
	}
}

// Selected returns the id of the conversation under the cursor, or "".
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	if row < 1 || row > len(cl.visible) {
		return ""
	}
	return cl.visible[row-1].ID
}

type row struct {
	with    string
	subject string
	preview string
	unread  bool
}

func conversationRow(c conversation.Conversation, me string) row {
	r := row{with: c.Other(me), subject: c.SubjectID}
	if r.with == "" {
		r.with = c.ParticipantA + " / " + c.ParticipantB
	}
	if c.SubjectTitle != "" {
		r.subject = c.SubjectTitle
	}
	if c.LastMessage != nil {
		r.preview = preview(*c.LastMessage)
	}
	if c.IsFlagged {
		r.with = "! " + r.with
	}
	if c.HasParticipant(me) && !c.IsReadBy(me) {
		r.unread = true
		r.with = "* " + r.with
	}
	return r
}

func (r row) matches(filter string) bool {
	if filter == "" {
		return true
	}
	f := strings.ToLower(filter)
	for _, s := range []string{r.with, r.subject, r.preview} {
		if strings.Contains(strings.ToLower(s), f) {
			return true
		}
	}
	return false
}

// preview is the one-line form of a message for lists.
func preview(m conversation.Message) string {
	switch p := m.Payload.(type) {
	case conversation.OfferPayload:
		return fmt.Sprintf("offer %s (%s)", formatCents(p.AmountCents, p.Currency), p.Status)
	case conversation.TestDriveRequestPayload:
		return "test drive " + p.ProposedAt.Local().Format("Jan 2 15:04") + " at " + p.Location
	}
	text := strings.Join(strings.Fields(m.Text), " ")
	if len(text) > 80 {
		text = text[:77] + "..."
	}
	return text
}

func formatCents(cents int64, currency string) string {
	return fmt.Sprintf("%d.%02d %s", cents/100, cents%100, currency)
}

func formatTimestamp(t, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	t = t.In(now.Location())
	if t.Year() == now.Year() && t.YearDay() == now.YearDay() {
		return t.Format("15:04")
	}
	return t.Format("01/02")
}
