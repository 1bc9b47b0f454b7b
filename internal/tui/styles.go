package tui

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

var (
	subtle    = lipgloss.AdaptiveColor{Light: "#9CA3AF", Dark: "#64748B"}
	highlight = lipgloss.AdaptiveColor{Light: "#4F46E5", Dark: "#6366F1"}
	text      = lipgloss.AdaptiveColor{Light: "#191919", Dark: "#E2E8F0"}
	special   = lipgloss.AdaptiveColor{Light: "#43BF6D", Dark: "#10B981"}
	warning   = lipgloss.AdaptiveColor{Light: "#D97706", Dark: "#F59E0B"}
	danger    = lipgloss.AdaptiveColor{Light: "#DC2626", Dark: "#F43F5E"}

	headerStyle = lipgloss.NewStyle().
			Foreground(highlight).
			Bold(true).
			Padding(0, 1)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			Padding(1, 2).
			Margin(0, 1)

	messageStyle = lipgloss.NewStyle().Foreground(text)
	dimStyle     = lipgloss.NewStyle().Foreground(subtle)
	keyStyle     = lipgloss.NewStyle().Foreground(highlight).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(danger)
)

// stateColor is the accent used for the card border and title
func stateColor(s scansession.State) lipgloss.AdaptiveColor {
	switch s {
	case scansession.StateScanning:
		return warning
	case scansession.StateSuccess:
		return special
	case scansession.StateError:
		return danger
	default:
		return highlight
	}
}
