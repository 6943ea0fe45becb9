package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/stockpilot/realtime/internal/protocol"
	"github.com/stockpilot/realtime/internal/realtime"
)

// UI chrome colors.
var (
	ColorBorder  = lipgloss.Color("#4b5563")
	ColorDimmed  = lipgloss.Color("#6b7280")
	ColorBright  = lipgloss.Color("#f9fafb")
	ColorHealthy = lipgloss.Color("#22c55e")
	ColorWarning = lipgloss.Color("#d97706")
	ColorDanger  = lipgloss.Color("#dc2626")
	ColorInfo    = lipgloss.Color("#3b82f6")
)

var (
	StyleHeader = lipgloss.NewStyle().Bold(true).Foreground(ColorBright)
	StyleDimmed = lipgloss.NewStyle().Foreground(ColorDimmed)
	StyleUnread = lipgloss.NewStyle().Bold(true)
	StyleError  = lipgloss.NewStyle().Foreground(ColorDanger)
)

// StateColor is the indicator color for a connection state.
func StateColor(s realtime.State) lipgloss.Color {
	switch s {
	case realtime.StateConnected:
		return ColorHealthy
	case realtime.StateConnecting, realtime.StateReconnecting:
		return ColorWarning
	default:
		return ColorDanger
	}
}

// SeverityColor colors a notification by alert severity.
func SeverityColor(severity string) lipgloss.Color {
	switch severity {
	case protocol.SeverityCritical:
		return ColorDanger
	case protocol.SeverityWarning:
		return ColorWarning
	default:
		return ColorInfo
	}
}
