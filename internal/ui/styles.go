// Package ui holds the lipgloss styles shared by the CLI commands.
package ui

import "github.com/charmbracelet/lipgloss"

// Color palette for the application
var (
	ColorPrimary   = lipgloss.Color("#7C3AED") // Purple
	ColorSecondary = lipgloss.Color("#06B6D4") // Cyan
	ColorSuccess   = lipgloss.Color("#10B981") // Green
	ColorWarning   = lipgloss.Color("#F59E0B") // Amber
	ColorError     = lipgloss.Color("#EF4444") // Red
	ColorTextDim   = lipgloss.Color("#9CA3AF") // Light gray
	ColorTextMute  = lipgloss.Color("#6B7280") // Muted gray
)

// Text styles using lipgloss
var (
	Bold = lipgloss.NewStyle().Bold(true)

	// Dimmed text for secondary information
	Dim = lipgloss.NewStyle().Foreground(ColorTextDim)

	// Muted text for hints
	Muted = lipgloss.NewStyle().Foreground(ColorTextMute)

	Success = lipgloss.NewStyle().Foreground(ColorSuccess)
	Warning = lipgloss.NewStyle().Foreground(ColorWarning)
	Error   = lipgloss.NewStyle().Foreground(ColorError)

	Primary   = lipgloss.NewStyle().Foreground(ColorPrimary)
	Secondary = lipgloss.NewStyle().Foreground(ColorSecondary)
)

// Status indicators
var (
	CheckMark = Success.Render("✓")
	CrossMark = Error.Render("✗")
	WarnMark  = Warning.Render("⚠")
	Bullet    = Muted.Render("•")
)
