// Package tui is a terminal front end for a scan session.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zombor/fingerprint-kiosk/internal/scansession"
)

// Controller is the part of a session the terminal UI drives
type Controller interface {
	Snapshot() scansession.Snapshot
	Start(ctx context.Context) error
	Cancel()
	Retake(ctx context.Context) error
}

// snapshotMsg delivers a published session snapshot to the program
type snapshotMsg scansession.Snapshot

// opDoneMsg reports the result of a session operation run as a command
type opDoneMsg struct {
	op  string
	err error
}

// Model renders a session and maps keys to session operations. Operations
// run as commands so Update never blocks on the device.
type Model struct {
	ctx      context.Context
	session  Controller
	snap     scansession.Snapshot
	spinner  spinner.Model
	lastErr  error
	width    int
	quitting bool
}

// NewModel creates a Model showing the session's current snapshot
func NewModel(ctx context.Context, session Controller) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(warning)

	return Model{
		ctx:     ctx,
		session: session,
		snap:    session.Snapshot(),
		spinner: s,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "s", "enter":
			if m.snap.State == scansession.StateScanning {
				return m, nil
			}
			m.lastErr = nil
			return m, m.run("start", m.session.Start)
		case "c":
			if m.snap.State != scansession.StateScanning {
				return m, nil
			}
			return m, m.run("cancel", func(context.Context) error {
				m.session.Cancel()
				return nil
			})
		case "r":
			if m.snap.State == scansession.StateScanning {
				return m, nil
			}
			m.lastErr = nil
			return m, m.run("retake", m.session.Retake)
		}

	case snapshotMsg:
		// a queued snapshot may predate the one read in NewModel
		if msg.Seq >= m.snap.Seq {
			m.snap = scansession.Snapshot(msg)
		}

	case opDoneMsg:
		// trigger failures are already visible in the snapshot
		if msg.err != nil && !errors.Is(msg.err, scansession.ErrTriggerFailed) {
			m.lastErr = fmt.Errorf("%s: %w", msg.op, msg.err)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) run(op string, fn func(context.Context) error) tea.Cmd {
	ctx := m.ctx
	return func() tea.Msg {
		return opDoneMsg{op: op, err: fn(ctx)}
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	accent := stateColor(m.snap.State)
	title := lipgloss.NewStyle().Foreground(accent).Bold(true).
		Render(fmt.Sprintf("%s %s", m.snap.Icon, m.snap.Title))

	var body strings.Builder
	body.WriteString(title)
	body.WriteString("\n\n")
	if m.snap.State == scansession.StateScanning || m.snap.ImageLoading {
		body.WriteString(m.spinner.View())
		body.WriteString(" ")
	}
	body.WriteString(messageStyle.Render(m.snap.Message))

	if img := m.snap.Image; img != nil {
		body.WriteString("\n\n")
		body.WriteString(dimStyle.Render(describe(img)))
	}
	if m.snap.Attempt > 0 {
		body.WriteString("\n")
		body.WriteString(dimStyle.Render(fmt.Sprintf("Attempt %d", m.snap.Attempt)))
	}

	card := cardStyle.BorderForeground(accent)
	if m.width > 4 {
		card = card.Width(m.width - 4)
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render("Fingerprint Kiosk"))
	b.WriteString("\n")
	b.WriteString(card.Render(body.String()))
	b.WriteString("\n")
	if m.lastErr != nil {
		b.WriteString(errStyle.Render("  " + m.lastErr.Error()))
		b.WriteString("\n")
	}
	b.WriteString(m.help())
	b.WriteString("\n")
	return b.String()
}

func (m Model) help() string {
	type binding struct{ key, label string }
	var keys []binding
	if m.snap.State == scansession.StateScanning {
		keys = append(keys, binding{"c", "cancel"})
	} else {
		keys = append(keys, binding{"s", "start scan"})
		if m.snap.Image != nil {
			keys = append(keys, binding{"r", "retake"})
		}
	}
	keys = append(keys, binding{"q", "quit"})

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = keyStyle.Render(k.key) + " " + dimStyle.Render(k.label)
	}
	return "  " + strings.Join(parts, dimStyle.Render(" • "))
}

func describe(img *scansession.CapturedImage) string {
	var parts []string
	if img.Width > 0 && img.Height > 0 {
		parts = append(parts, fmt.Sprintf("%dx%d", img.Width, img.Height))
	}
	if img.ContentType != "" {
		parts = append(parts, img.ContentType)
	}
	parts = append(parts, fmt.Sprintf("%d bytes", img.Size))
	return "Captured image: " + strings.Join(parts, ", ")
}

// Run shows the session in the terminal until the user quits or ctx ends
func Run(ctx context.Context, session *scansession.Session, opts ...tea.ProgramOption) error {
	opts = append([]tea.ProgramOption{tea.WithContext(ctx)}, opts...)
	p := tea.NewProgram(NewModel(ctx, session), opts...)

	unsubscribe := session.Subscribe(func(s scansession.Snapshot) {
		p.Send(snapshotMsg(s))
	})
	defer unsubscribe()

	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running terminal ui: %w", err)
	}
	return nil
}
