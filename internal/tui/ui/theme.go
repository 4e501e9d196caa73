// Package ui holds the shared look of the terminal client.
package ui

import "github.com/gdamore/tcell/v2"

// Theme holds the colors every view draws with.
type Theme struct {
	BgColor       tcell.Color
	FgColor       tcell.Color
	MutedColor    tcell.Color
	BorderColor   tcell.Color
	TitleColor    tcell.Color
	TableHeaderFg tcell.Color
	TableCursorFg tcell.Color
	TableCursorBg tcell.Color
	MineColor     tcell.Color
	TheirsColor   tcell.Color
	UnreadColor   tcell.Color
	FlaggedColor  tcell.Color
	OnlineColor   tcell.Color
	OfflineColor  tcell.Color
	FlashColor    tcell.Color
}

// DefaultTheme returns the dark theme.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:       tcell.ColorBlack,
		FgColor:       tcell.ColorCadetBlue,
		MutedColor:    tcell.ColorGray,
		BorderColor:   tcell.ColorDodgerBlue,
		TitleColor:    tcell.ColorFuchsia,
		TableHeaderFg: tcell.ColorWhite,
		TableCursorFg: tcell.ColorBlack,
		TableCursorBg: tcell.ColorAqua,
		MineColor:     tcell.ColorLightSkyBlue,
		TheirsColor:   tcell.ColorPapayaWhip,
		UnreadColor:   tcell.ColorOrange,
		FlaggedColor:  tcell.ColorOrangeRed,
		OnlineColor:   tcell.ColorGreen,
		OfflineColor:  tcell.ColorOrangeRed,
		FlashColor:    tcell.ColorNavajoWhite,
	}
}

// Tag renders c as a tview color tag.
func Tag(c tcell.Color) string {
	return "[" + c.String() + "]"
}
