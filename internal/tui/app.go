// Package tui is the interactive terminal client: a conversation list and
// a thread view over the client agent.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/dealroom/internal/bus"
	"github.com/matheus3301/dealroom/internal/tui/keys"
	"github.com/matheus3301/dealroom/internal/tui/model"
	"github.com/matheus3301/dealroom/internal/tui/ui"
	"github.com/matheus3301/dealroom/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageConversations = "conversations"
	pageThread        = "thread"

	requestTimeout = 15 * time.Second
	flashTTL       = 5 * time.Second
	tickInterval   = 30 * time.Second
	typingIdle     = 3 * time.Second
)

// Agent is what the terminal client needs from a started client agent.
type Agent interface {
	model.Backend
	Bus() *bus.Bus
	Queued() int
	Typing(ctx context.Context, conversationID string, isTyping bool) error
}

type promptMode int

const (
	promptFilter promptMode = iota
	promptCommand
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	pages     *tview.Pages
	theme     *ui.Theme
	vm        *model.ViewModel
	agent     Agent
	registry  *keys.Registry
	statusBar *views.StatusBar
	list      *views.ConversationList
	thread    *views.MessageThread
	prompt    *tview.InputField
	mode      promptMode
	profile   string
	logger    *zap.Logger

	typingSent time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// NewApp builds the UI for participant me on the given profile.
func NewApp(a Agent, me, profile string, logger *zap.Logger) *App {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	app := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		theme:     theme,
		vm:        model.NewViewModel(a, me),
		agent:     a,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme),
		list:      views.NewConversationList(theme, me),
		thread:    views.NewMessageThread(theme),
		prompt:    tview.NewInputField(),
		profile:   profile,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
	app.setupBindings()
	app.setupCallbacks()
	app.setupLayout()
	return app
}

func (a *App) setupBindings() {
	a.registry.AddGlobal("quit", &keys.Action{
		Key: tcell.KeyRune, Rune: 'q',
		Description: "q:quit", Visible: true,
		Handler: a.Stop,
	})
	a.registry.AddGlobal("refresh", &keys.Action{
		Key:         tcell.KeyCtrlR,
		Description: "^R:refresh", Visible: true,
		Handler: func() { go a.refresh() },
	})
	a.registry.AddPage(pageConversations, "filter", &keys.Action{
		Key: tcell.KeyRune, Rune: '/',
		Description: "/:filter", Visible: true,
		Handler: func() { a.showPrompt(promptFilter) },
	})
	a.registry.AddPage(pageConversations, "command", &keys.Action{
		Key: tcell.KeyRune, Rune: ':',
		Description: ":start <listing> <text>", Visible: true,
		Handler: func() { a.showPrompt(promptCommand) },
	})
	a.registry.AddPage(pageThread, "compose", &keys.Action{
		Key: tcell.KeyRune, Rune: 'i',
		Description: "i:compose", Visible: true,
		Handler: func() { a.app.SetFocus(a.thread.Composer()) },
	})
	a.registry.AddPage(pageThread, "back", &keys.Action{
		Key:         tcell.KeyEscape,
		Description: "esc:back", Visible: true,
		Handler: a.showConversations,
	})
}

func (a *App) setupCallbacks() {
	a.list.SetSelectedFunc(func(row, col int) {
		if id := a.list.Selected(); id != "" {
			a.open(id)
		}
	})

	a.thread.SetOnSubmit(func(text string) {
		a.stopTyping()
		if strings.HasPrefix(text, ":") {
			a.runCommand(ParseCommand(text[1:]))
			return
		}
		a.async("send", func(ctx context.Context) error { return a.vm.SendText(ctx, text) })
	})
	a.thread.Composer().SetChangedFunc(func(text string) {
		if text == "" || strings.HasPrefix(text, ":") {
			a.stopTyping()
			return
		}
		if time.Since(a.typingSent) < typingIdle {
			return
		}
		a.typingSent = time.Now()
		a.sendTyping(true)
	})

	a.prompt.SetChangedFunc(func(text string) {
		if a.mode == promptFilter {
			a.list.SetFilter(text)
		}
	})
	a.prompt.SetDoneFunc(func(key tcell.Key) {
		text := strings.TrimSpace(a.prompt.GetText())
		if a.mode == promptCommand {
			a.prompt.SetText("")
			if key == tcell.KeyEnter && text != "" {
				a.runCommand(ParseCommand(text))
			}
		} else if key == tcell.KeyEscape {
			a.prompt.SetText("")
			a.list.SetFilter("")
		}
		a.app.SetFocus(a.list)
	})
}

func (a *App) setupLayout() {
	a.prompt.SetFieldBackgroundColor(a.theme.BgColor)
	a.prompt.SetFieldTextColor(a.theme.FgColor)
	a.prompt.SetLabelColor(a.theme.TitleColor)

	listPage := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.list, 0, 1, true).
		AddItem(a.prompt, 1, 0, false)

	a.pages.AddPage(pageConversations, listPage, true, true)
	a.pages.AddPage(pageThread, a.thread, true, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		page, _ := a.pages.GetFrontPage()
		focused := a.app.GetFocus()
		if _, ok := focused.(*tview.InputField); ok {
			if page == pageThread && event.Key() == tcell.KeyEscape && focused == a.thread.Composer() {
				a.stopTyping()
				a.app.SetFocus(a.thread.Messages())
				return nil
			}
			return event
		}
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
}

func (a *App) showPrompt(mode promptMode) {
	a.mode = mode
	label := "/"
	if mode == promptCommand {
		label = ":"
	}
	a.prompt.SetLabel(label)
	a.app.SetFocus(a.prompt)
}

func (a *App) showConversations() {
	a.stopTyping()
	a.vm.Close()
	a.pages.SwitchToPage(pageConversations)
	a.app.SetFocus(a.list)
}

func (a *App) open(id string) {
	a.async("open", func(ctx context.Context) error {
		if err := a.vm.Open(ctx, id); err != nil {
			return err
		}
		a.app.QueueUpdateDraw(func() {
			a.thread.SetTitle(a.threadTitle(id))
			a.pages.SwitchToPage(pageThread)
			a.app.SetFocus(a.thread.Composer())
		})
		return nil
	})
}

func (a *App) threadTitle(id string) string {
	for _, c := range a.vm.GetConversations() {
		if c.ID != id {
			continue
		}
		with := c.Other(a.vm.Me())
		if with == "" {
			with = c.ParticipantA + " / " + c.ParticipantB
		}
		subject := c.SubjectTitle
		if subject == "" {
			subject = c.SubjectID
		}
		return with + " about " + subject
	}
	return id
}

func (a *App) runCommand(cmd Command) {
	switch cmd.Name {
	case "q", "quit":
		a.Stop()
	case "read":
		a.async("mark read", a.vm.MarkRead)
	case "flag":
		a.async("flag", func(ctx context.Context) error { return a.vm.Flag(ctx, cmd.Args) })
	case "offer":
		msg, err := OfferMessage(cmd.Args)
		if err != nil {
			a.vm.Flash.Set(err.Error(), flashTTL)
			a.redraw()
			return
		}
		a.async("offer", func(ctx context.Context) error { return a.vm.Send(ctx, msg) })
	case "start":
		subject, text, _ := strings.Cut(cmd.Args, " ")
		if subject == "" || strings.TrimSpace(text) == "" {
			a.vm.Flash.Set("usage: :start <listing-id> <first message>", flashTTL)
			a.redraw()
			return
		}
		a.async("start", func(ctx context.Context) error {
			if err := a.vm.Start(ctx, subject, text); err != nil {
				return err
			}
			id := a.vm.Active()
			a.app.QueueUpdateDraw(func() {
				a.thread.SetTitle(a.threadTitle(id))
				a.pages.SwitchToPage(pageThread)
				a.app.SetFocus(a.thread.Composer())
			})
			return nil
		})
	default:
		a.vm.Flash.Set(fmt.Sprintf("unknown command %q", cmd.Name), flashTTL)
		a.redraw()
	}
}

// async runs fn off the UI goroutine and flashes its error.
func (a *App) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.logger.Warn(op+" failed", zap.Error(err))
			a.vm.Flash.Set(op+" failed: "+err.Error(), flashTTL)
			a.redraw()
		}
	}()
}

func (a *App) sendTyping(on bool) {
	id := a.vm.Active()
	if id == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
		defer cancel()
		if err := a.agent.Typing(ctx, id, on); err != nil {
			a.logger.Debug("typing not sent", zap.Error(err))
		}
	}()
}

func (a *App) stopTyping() {
	if a.typingSent.IsZero() {
		return
	}
	a.typingSent = time.Time{}
	a.sendTyping(false)
}

func (a *App) refresh() {
	ctx, cancel := context.WithTimeout(a.ctx, requestTimeout)
	defer cancel()
	if err := a.vm.LoadConversations(ctx); err != nil {
		a.vm.Flash.Set("load failed: "+err.Error(), flashTTL)
		a.redraw()
	}
}

func (a *App) redraw() {
	a.app.QueueUpdateDraw(a.draw)
}

// draw copies the view model into the widgets. It runs on the UI goroutine.
func (a *App) draw() {
	page, _ := a.pages.GetFrontPage()
	a.list.Update(a.vm.GetConversations())
	if page == pageThread {
		a.thread.Update(a.vm.GetLines())
		a.thread.SetTyping(a.vm.Typing())
	}
	a.statusBar.Set(a.profile, a.vm.LinkStatus(), a.agent.Queued(), a.vm.Flash.Get(), a.registry.Hints(page))
}

// Run loads the conversation list and blocks until the user quits.
func (a *App) Run() error {
	events, unsubscribe := a.agent.Bus().Subscribe("", 256)
	defer unsubscribe()

	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case evt := <-events:
				a.vm.Apply(evt)
			case <-a.vm.RefreshCh():
				a.redraw()
			case <-ticker.C:
				a.redraw()
			}
		}
	}()
	go a.refresh()

	a.draw()
	err := a.app.Run()
	a.cancel()
	return err
}

// Stop ends Run.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
