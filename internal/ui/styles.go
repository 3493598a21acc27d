package ui

import "github.com/charmbracelet/lipgloss"

// ANSI 256 palette.
const (
	ColorAccent   = "154"
	ColorAccentLo = "106"
	ColorWhite    = "255"
	ColorGray     = "245"
	ColorDarkGray = "238"
	ColorRed      = "196"
	ColorYellow   = "220"
	ColorCyan     = "45"
)

// Styles holds every style used for terminal rendering.
type Styles struct {
	Header    lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Info      lipgloss.Style
	Dim       lipgloss.Style
	Active    lipgloss.Style
	Border    lipgloss.Style
	Label     lipgloss.Style
	Speed     lipgloss.Style
	Sparkline lipgloss.Style
}

// DefaultStyles returns the colored styles.
func DefaultStyles() Styles {
	return Styles{
		Header:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Success:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccent)),
		Warning:   lipgloss.NewStyle().Foreground(lipgloss.Color(ColorYellow)),
		Error:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorRed)),
		Info:      lipgloss.NewStyle().Foreground(lipgloss.Color(ColorCyan)),
		Dim:       lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Active:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(ColorAccent)),
		Border:    lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDarkGray)),
		Label:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Speed:     lipgloss.NewStyle().Foreground(lipgloss.Color(ColorGray)),
		Sparkline: lipgloss.NewStyle().Foreground(lipgloss.Color(ColorAccentLo)),
	}
}

// NoColorStyles returns unstyled components for plain mode.
func NoColorStyles() Styles {
	s := lipgloss.NewStyle()
	return Styles{
		Header: s, Success: s, Warning: s, Error: s, Info: s, Dim: s,
		Active: s, Border: s, Label: s, Speed: s, Sparkline: s,
	}
}

// GetStyles returns the appropriate styles based on color preference.
func GetStyles(noColor bool) Styles {
	if noColor {
		return NoColorStyles()
	}
	return DefaultStyles()
}

// Presence picks the style for a presence value.
func (s Styles) Presence(presence string) lipgloss.Style {
	switch presence {
	case "present":
		return s.Success
	case "partial":
		return s.Warning
	case "absent":
		return s.Error
	default:
		return s.Dim
	}
}

// Sufficiency picks the style for a sufficiency value.
func (s Styles) Sufficiency(sufficiency string) lipgloss.Style {
	switch sufficiency {
	case "enough":
		return s.Success
	case "lacking":
		return s.Error
	default:
		return s.Dim
	}
}

// State picks the style for scan and breaker states.
func (s Styles) State(state string) lipgloss.Style {
	switch state {
	case "done", "closed", "running":
		return s.Success
	case "scanning", "half-open":
		return s.Info
	case "idle":
		return s.Dim
	case "aborted", "open":
		return s.Error
	default:
		return lipgloss.NewStyle()
	}
}
