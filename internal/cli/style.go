package cli

import (
	"os"

	"github.com/charmbracelet/lipgloss"

	"github.com/roach88/aniscrobble/internal/auth"
	"github.com/roach88/aniscrobble/internal/engine"
	"github.com/roach88/aniscrobble/internal/model"
)

// theme holds the text output styles.
type theme struct {
	Title   lipgloss.Style
	Label   lipgloss.Style
	Dim     lipgloss.Style
	Success lipgloss.Style
	Warning lipgloss.Style
	Error   lipgloss.Style
}

// newTheme returns the default styles, or plain ones when NO_COLOR is set.
func newTheme() theme {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		plain := lipgloss.NewStyle()
		return theme{Title: plain, Label: plain.Width(12), Dim: plain, Success: plain, Warning: plain, Error: plain}
	}
	return theme{
		Title:   lipgloss.NewStyle().Foreground(lipgloss.Color("#8EEBFF")).Bold(true),
		Label:   lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6F93")).Width(12),
		Dim:     lipgloss.NewStyle().Foreground(lipgloss.Color("#6C6F93")),
		Success: lipgloss.NewStyle().Foreground(lipgloss.Color("#5CFF5C")).Bold(true),
		Warning: lipgloss.NewStyle().Foreground(lipgloss.Color("#FFD166")).Bold(true),
		Error:   lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F56")).Bold(true),
	}
}

// kind styles an event status.
func (th theme) kind(k model.Kind) lipgloss.Style {
	switch k {
	case model.KindConfirmed:
		return th.Success
	case model.KindRetryable, model.KindSubmitting:
		return th.Warning
	case model.KindFailed:
		return th.Error
	}
	return th.Dim
}

// resultStyle styles the outcome of one event in a sync report.
func resultStyle(th theme, r engine.Result) lipgloss.Style {
	switch r {
	case engine.ResultConfirmed:
		return th.Success
	case engine.ResultRetried, engine.ResultReleased:
		return th.Warning
	case engine.ResultFailed:
		return th.Error
	}
	return th.Dim
}

// authState styles a credential state.
func (th theme) authState(s auth.State) lipgloss.Style {
	switch s {
	case auth.Valid:
		return th.Success
	case auth.Expiring:
		return th.Warning
	}
	return th.Error
}
