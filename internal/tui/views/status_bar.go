package views

import (
	"fmt"
	"time"

	"github.com/matheus3301/dealroom/internal/status"
	"github.com/matheus3301/dealroom/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar shows the profile, the live link state, the outbox size and
// the latest flash notice.
type StatusBar struct {
	*tview.TextView
	theme   *ui.Theme
	profile string
	link    status.State
	queued  int
	flash   string
	hints   []string
}

func NewStatusBar(theme *ui.Theme) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: theme, link: status.Offline}
}

// Set updates every field and redraws.
func (sb *StatusBar) Set(profile string, link status.State, queued int, flash string, hints []string) {
	sb.profile, sb.link, sb.queued, sb.flash, sb.hints = profile, link, queued, flash, hints
	sb.Clear()
	_, _ = fmt.Fprint(sb, sb.line(time.Now()))
}

func (sb *StatusBar) line(now time.Time) string {
	linkColor := sb.theme.OfflineColor
	if sb.link == status.Online {
		linkColor = sb.theme.OnlineColor
	}
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s%s[-]", tview.Escape(sb.profile), ui.Tag(linkColor), sb.link)
	if sb.queued > 0 {
		line += fmt.Sprintf(" | %d queued", sb.queued)
	}
	line += " | " + now.Format("15:04")
	if sb.flash != "" {
		line += fmt.Sprintf(" | %s%s[-]", ui.Tag(sb.theme.FlashColor), tview.Escape(sb.flash))
	} else if len(sb.hints) > 0 {
		for _, h := range sb.hints {
			line += "  " + tview.Escape(h)
		}
	}
	return line
}
