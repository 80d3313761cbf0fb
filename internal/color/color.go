// Package color provides consistent terminal styling for relctl's status
// output. Colors adapt to the terminal background and respect NO_COLOR.
package color

import (
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"relctl/internal/model"
)

var (
	// Success styles healthy/converged states.
	Success = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "28", Dark: "42"})
	// Warning styles in-progress and timed-out states.
	Warning = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "130", Dark: "214"})
	// Error styles failures.
	Error = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "124", Dark: "196"}).Bold(true)
	// Muted styles de-emphasized detail text.
	Muted = lipgloss.NewStyle().Foreground(lipgloss.AdaptiveColor{Light: "243", Dark: "245"})
)

// Initialize sets the background profile once at startup.
func Initialize(isDarkMode bool) {
	lipgloss.SetHasDarkBackground(isDarkMode)
	if os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
	}
}

// Status renders an outcome status word in its semantic color.
func Status(s model.OutcomeStatus) string {
	switch s {
	case model.StatusStable:
		return Success.Render(string(s))
	case model.StatusFailed:
		return Error.Render(string(s))
	case model.StatusTimedOut, model.StatusInProgress, model.StatusPending:
		return Warning.Render(string(s))
	default:
		return string(s)
	}
}
