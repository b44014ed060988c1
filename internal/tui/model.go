// Package tui is the terminal dashboard behind `fieldsync watch`: queue
// contents, connectivity, and a live feed of sync events.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/clawinfra/fieldsync/internal/api"
	"github.com/clawinfra/fieldsync/internal/notify"
	"github.com/clawinfra/fieldsync/internal/outbox"
	"github.com/clawinfra/fieldsync/internal/syncer"
)

// Backend is the part of Client the dashboard drives.
type Backend interface {
	Status(ctx context.Context) (api.Status, error)
	Outbox(ctx context.Context) ([]outbox.Entry, error)
	Sync(ctx context.Context) (syncer.Result, error)
	Retry(ctx context.Context, id string) error
	Discard(ctx context.Context, id string) error
}

// maxEvents bounds the event feed.
const maxEvents = 200

const (
	refreshInterval = 2 * time.Second
	requestTimeout  = 10 * time.Second
)

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type statusMsg api.Status

type entriesMsg []outbox.Entry

type eventMsg notify.Event

type noticeMsg string

type errMsg struct{ err error }

type tickMsg struct{}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	primaryColor = lipgloss.Color("#7C3AED") // violet
	mutedColor   = lipgloss.Color("#6B7280") // gray
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Padding(0, 1)

	sidebarStyle = lipgloss.NewStyle().
			Width(28).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(1, 1)

	sidebarTitle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			MarginBottom(1)

	metricStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			PaddingLeft(2)

	feedBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor)

	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	unknownStyle = lipgloss.NewStyle().Foreground(warnColor).Bold(true)
	footerStyle  = lipgloss.NewStyle().Foreground(mutedColor)
	errorStyle   = lipgloss.NewStyle().Foreground(errorColor)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

// Model is the dashboard state.
type Model struct {
	backend Backend
	table   table.Model
	feed    viewport.Model
	status  api.Status
	entries []outbox.Entry
	events  []string
	notice  string
	err     error
	width   int
	height  int
	ready   bool
	now     func() time.Time
}

// NewModel creates a dashboard backed by b.
func NewModel(b Backend) Model {
	t := table.New(
		table.WithColumns(entryColumns(60)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	return Model{
		backend: b,
		table:   t,
		now:     time.Now,
	}
}

func entryColumns(width int) []table.Column {
	// fixed columns take 48 cells; the endpoint gets the rest
	endpoint := max(width-48, 12)
	return []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Method", Width: 7},
		{Title: "Endpoint", Width: endpoint},
		{Title: "Status", Width: 8},
		{Title: "Tries", Width: 5},
		{Title: "Age", Width: 8},
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), tickCmd())
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// call runs fn against the backend with a bounded context.
func call(fn func(ctx context.Context) tea.Msg) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		return fn(ctx)
	}
}

func (m Model) refresh() tea.Cmd {
	b := m.backend
	return tea.Batch(
		call(func(ctx context.Context) tea.Msg {
			st, err := b.Status(ctx)
			if err != nil {
				return errMsg{err}
			}
			return statusMsg(st)
		}),
		call(func(ctx context.Context) tea.Msg {
			entries, err := b.Outbox(ctx)
			if err != nil {
				return errMsg{err}
			}
			return entriesMsg(entries)
		}),
	)
}

func (m Model) selectedID() string {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.entries) {
		return ""
	}
	return m.entries[i].ID
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "s":
			b := m.backend
			m.notice = "syncing..."
			return m, call(func(ctx context.Context) tea.Msg {
				res, err := b.Sync(ctx)
				if err != nil {
					return errMsg{err}
				}
				return noticeMsg(fmt.Sprintf("sync: %d delivered, %d failed", res.Success, res.Failed))
			})
		case "r":
			id := m.selectedID()
			if id == "" {
				return m, nil
			}
			b := m.backend
			return m, call(func(ctx context.Context) tea.Msg {
				if err := b.Retry(ctx, id); err != nil {
					return errMsg{err}
				}
				return noticeMsg("requeued " + shortID(id))
			})
		case "d":
			id := m.selectedID()
			if id == "" {
				return m, nil
			}
			b := m.backend
			return m, call(func(ctx context.Context) tea.Msg {
				if err := b.Discard(ctx, id); err != nil {
					return errMsg{err}
				}
				return noticeMsg("discarded " + shortID(id))
			})
		}

	case statusMsg:
		m.status = api.Status(msg)
		m.err = nil
		return m, nil

	case entriesMsg:
		m.entries = msg
		m.table.SetRows(m.rows())
		m.err = nil
		return m, nil

	case eventMsg:
		m.events = append(m.events, formatEvent(notify.Event(msg)))
		if len(m.events) > maxEvents {
			m.events = m.events[len(m.events)-maxEvents:]
		}
		if m.ready {
			m.feed.SetContent(strings.Join(m.events, "\n"))
			m.feed.GotoBottom()
		}
		// queue contents changed
		return m, m.refresh()

	case noticeMsg:
		m.notice = string(msg)
		m.err = nil
		return m, m.refresh()

	case errMsg:
		m.err = msg.err
		return m, nil

	case tickMsg:
		cmds = append(cmds, m.refresh(), tickCmd())

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		mainW := max(m.width-33, 20) // sidebar plus gap
		tableH := max((m.height-8)/2, 3)
		feedH := max(m.height-8-tableH-2, 3)

		m.table.SetColumns(entryColumns(mainW))
		m.table.SetWidth(mainW)
		m.table.SetHeight(tableH)

		if !m.ready {
			m.feed = viewport.New(mainW, feedH)
			m.ready = true
		} else {
			m.feed.Width = mainW
			m.feed.Height = feedH
		}
		m.feed.SetContent(strings.Join(m.events, "\n"))
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	cmds = append(cmds, cmd)

	if m.ready {
		m.feed, cmd = m.feed.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) rows() []table.Row {
	now := m.now()
	rows := make([]table.Row, 0, len(m.entries))
	for _, e := range m.entries {
		age := now.Sub(time.UnixMilli(e.CreatedAt))
		rows = append(rows, table.Row{
			shortID(e.ID),
			string(e.Method),
			e.Endpoint,
			string(e.Status),
			fmt.Sprintf("%d/%d", e.RetryCount, syncer.MaxRetries),
			formatDuration(age),
		})
	}
	return rows
}

func (m Model) View() string {
	if !m.ready {
		return "Initializing fieldsync dashboard..."
	}

	header := headerStyle.Width(m.width).Render("  fieldsync outbox  " + m.connectivity())

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.table.View(),
		feedBorder.Render(m.feed.View()),
	)
	body := lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), " ", main)

	footer := footerStyle.Render("  s: sync now │ r: retry │ d: discard │ ↑↓: select │ q: quit")
	if m.err != nil {
		footer = errorStyle.Render("  " + m.err.Error())
	} else if m.notice != "" {
		footer = footerStyle.Render("  " + m.notice)
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

func (m Model) connectivity() string {
	switch {
	case m.status.Online == nil:
		return unknownStyle.Render("◌ UNKNOWN")
	case *m.status.Online:
		return onlineStyle.Render("● ONLINE")
	default:
		return offlineStyle.Render("○ OFFLINE")
	}
}

func (m Model) renderSidebar() string {
	var sb strings.Builder

	sb.WriteString(sidebarTitle.Render("  Queue"))
	sb.WriteString("\n")

	failed := 0
	for _, e := range m.entries {
		if e.Terminal(syncer.MaxRetries) {
			failed++
		}
	}
	sb.WriteString(metricStyle.Render(fmt.Sprintf("pending: %d", m.status.Pending)))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("failed: %d", failed)))
	sb.WriteString("\n")
	if m.status.Syncing {
		sb.WriteString(metricStyle.Render("syncing now"))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString(sidebarTitle.Render("  Sync"))
	sb.WriteString("\n")
	sb.WriteString(metricStyle.Render(fmt.Sprintf("runs: %d", m.status.Runs)))
	sb.WriteString("\n")
	if last := m.status.LastSync; last != nil {
		sb.WriteString(metricStyle.Render(fmt.Sprintf("last: %d ok, %d failed", last.Success, last.Failed)))
		sb.WriteString("\n")
	}
	for _, j := range m.status.Jobs {
		if j.NextRunAt.IsZero() {
			continue
		}
		next := formatDuration(j.NextRunAt.Sub(m.now()))
		sb.WriteString(metricStyle.Render(fmt.Sprintf("%s in %s", j.ID, next)))
		sb.WriteString("\n")
	}
	sb.WriteString("\n")

	sb.WriteString(sidebarTitle.Render("  Daemon"))
	sb.WriteString("\n")
	if m.status.Version != "" {
		sb.WriteString(metricStyle.Render("v" + m.status.Version))
		sb.WriteString("\n")
	}
	if m.status.Uptime != "" {
		sb.WriteString(metricStyle.Render("up: " + m.status.Uptime))
		sb.WriteString("\n")
	}

	return sidebarStyle.Height(max(m.height-4, 1)).Render(sb.String())
}

func formatEvent(e notify.Event) string {
	ts := time.UnixMilli(e.At).Format("15:04:05")
	switch e.Type {
	case notify.EventSyncSuccess:
		return fmt.Sprintf("%s ✓ delivered %s", ts, shortID(e.ID))
	case notify.EventSyncError:
		return fmt.Sprintf("%s ✗ %s: %s", ts, shortID(e.ID), e.Error)
	case notify.EventSyncComplete:
		return fmt.Sprintf("%s ─ run complete: %d ok, %d failed", ts, e.Success, e.Failed)
	default:
		return fmt.Sprintf("%s %s", ts, e.Type)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
