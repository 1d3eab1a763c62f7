// Package ui provides terminal styling helpers for CLI output.
package ui

import "github.com/charmbracelet/lipgloss"

var (
	accentStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))  // blue
	passStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))  // green
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // orange
	failStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")) // red
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245")) // gray
	boldStyle   = lipgloss.NewStyle().Bold(true)
)

// RenderAccent styles informational markers.
func RenderAccent(s string) string { return accentStyle.Render(s) }

// RenderPass styles success markers.
func RenderPass(s string) string { return passStyle.Render(s) }

// RenderWarn styles warning markers.
func RenderWarn(s string) string { return warnStyle.Render(s) }

// RenderFail styles error markers.
func RenderFail(s string) string { return failStyle.Render(s) }

// RenderDim styles secondary detail text.
func RenderDim(s string) string { return dimStyle.Render(s) }

// RenderBold styles emphasized text.
func RenderBold(s string) string { return boldStyle.Render(s) }
