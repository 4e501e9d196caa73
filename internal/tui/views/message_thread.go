package views

import (
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/dealroom/internal/conversation"
	"github.com/matheus3301/dealroom/internal/tui/model"
	"github.com/matheus3301/dealroom/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageThread shows one conversation above a composer.
type MessageThread struct {
	*tview.Flex
	theme    *ui.Theme
	messages *tview.TextView
	composer *tview.InputField
	typing   *tview.TextView
	onSubmit func(text string)
}

func NewMessageThread(theme *ui.Theme) *MessageThread {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetWordWrap(true)
	messages.SetBorder(true)
	messages.SetBorderColor(theme.BorderColor)
	messages.SetBackgroundColor(theme.BgColor)
	messages.SetTextColor(theme.FgColor)
	messages.SetTitleColor(theme.TitleColor)

	typing := tview.NewTextView().SetDynamicColors(true)
	typing.SetBackgroundColor(theme.BgColor)
	typing.SetTextColor(theme.MutedColor)

	composer := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	composer.SetBorder(true)
	composer.SetBorderColor(theme.BorderColor)
	composer.SetBackgroundColor(theme.BgColor)
	composer.SetFieldBackgroundColor(theme.BgColor)
	composer.SetFieldTextColor(theme.FgColor)
	composer.SetTitle(" i: compose  :offer <amount> [currency]  :read  :flag <reason> ")
	composer.SetTitleColor(theme.MutedColor)

	flex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 1, true).
		AddItem(typing, 1, 0, false).
		AddItem(composer, 3, 0, false)

	mt := &MessageThread{
		Flex:     flex,
		theme:    theme,
		messages: messages,
		composer: composer,
		typing:   typing,
	}
	composer.SetDoneFunc(func(key tcell.Key) {
		if key != tcell.KeyEnter || mt.onSubmit == nil {
			return
		}
		if text := strings.TrimSpace(composer.GetText()); text != "" {
			mt.onSubmit(text)
			composer.SetText("")
		}
	})
	return mt
}

// SetTitle shows who the conversation is with and what it is about.
func (mt *MessageThread) SetTitle(title string) {
	mt.messages.SetTitle(" " + tview.Escape(sanitizeForTerminal(title)) + " ")
}

// SetOnSubmit sets the callback for a line entered in the composer.
func (mt *MessageThread) SetOnSubmit(fn func(text string)) {
	mt.onSubmit = fn
}

// SetTyping shows who is typing, or clears the line for "".
func (mt *MessageThread) SetTyping(who string) {
	mt.typing.Clear()
	if who != "" {
		_, _ = fmt.Fprintf(mt.typing, " %s is typing...", tview.Escape(who))
	}
}

// Update redraws the thread, oldest first.
func (mt *MessageThread) Update(lines []model.Line) {
	mt.messages.Clear()
	now := time.Now()
	for _, l := range lines {
		_, _ = fmt.Fprint(mt.messages, formatLine(l, mt.theme, now))
	}
	mt.messages.ScrollToEnd()
}

func formatLine(l model.Line, theme *ui.Theme, now time.Time) string {
	m := l.Message
	sender := m.Sender
	color := theme.TheirsColor
	if l.Mine {
		sender = "You"
		color = theme.MineColor
	}
	if m.Type == conversation.KindSystem {
		color = theme.MutedColor
	}

	state := ""
	switch l.Delivery {
	case model.Queued:
		state = " [::d](queued)[-:-:-]"
	case model.Failed:
		state = " " + ui.Tag(theme.FlaggedColor) + "(not sent)[-]"
	}

	body := m.Text
	if m.Payload != nil {
		body = preview(m)
		if m.Text != "" {
			body += "\n" + m.Text
		}
	}
	return fmt.Sprintf("%s[::b]%s[-:-:-][-] [::d]%s[-:-:-]%s\n%s\n\n",
		ui.Tag(color), tview.Escape(sanitizeForTerminal(sender)),
		formatTimestamp(m.Timestamp, now), state,
		tview.Escape(sanitizeForTerminal(body)))
}

// Messages returns the scrollback, for focus.
func (mt *MessageThread) Messages() *tview.TextView {
	return mt.messages
}

// Composer returns the input field, for focus.
func (mt *MessageThread) Composer() *tview.InputField {
	return mt.composer
}
