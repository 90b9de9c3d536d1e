package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/airframesio/csv-importer/cmd/supervisor"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const (
	pollInterval = 250 * time.Millisecond
	maxMessages  = 8
)

// progressModel follows one import job until it finishes
type progressModel struct {
	ctx     context.Context
	jobs    jobService
	jobID   string
	source  string
	table   string
	dryRun  bool
	spinner spinner.Model
	bar     progress.Model

	job        supervisor.Job
	messages   []string
	startTime  time.Time
	width      int
	cancelling bool
	done       bool
	err        error
}

type jobSnapshotMsg struct {
	job supervisor.Job
	err error
}

type pollTickMsg time.Time

type messageMsg string

var (
	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#626262")).
			Margin(0, 2)

	stageStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#04B575")).
			Margin(0, 2)

	tableHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#FFAA00")).
				Bold(true).
				Margin(0, 2)

	progressInfoStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#888888")).
				Margin(0, 2)

	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F5F")).
			Margin(0, 2)
)

func newProgressModel(ctx context.Context, jobs jobService, jobID string, spec supervisor.JobSpec, dryRun bool) progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	bar := progress.New(
		progress.WithScaledGradient("#FF7CCB", "#FDFF8C"),
		progress.WithWidth(60),
	)

	return progressModel{
		ctx:       ctx,
		jobs:      jobs,
		jobID:     jobID,
		source:    spec.Source.String(),
		table:     spec.Table,
		dryRun:    dryRun,
		spinner:   s,
		bar:       bar,
		job:       supervisor.Job{ID: jobID, Status: supervisor.StatusQueued},
		startTime: time.Now(),
	}
}

func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		tea.EnterAltScreen,
		m.poll(),
	)
}

// poll reads the job snapshot
func (m progressModel) poll() tea.Cmd {
	return func() tea.Msg {
		job, err := m.jobs.Status(m.ctx, m.jobID)
		return jobSnapshotMsg{job: job, err: err}
	}
}

func schedulePoll() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return pollTickMsg(t)
	})
}

func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)
	case tea.WindowSizeMsg:
		return m.handleWindowSizeMsg(msg)
	case spinner.TickMsg:
		return m.handleSpinnerTickMsg(msg)
	case progress.FrameMsg:
		return m.handleProgressFrameMsg(msg)
	case jobSnapshotMsg:
		return m.handleJobSnapshotMsg(msg)
	case pollTickMsg:
		return m, m.poll()
	case messageMsg:
		return m.handleMessageMsg(msg)
	}
	return m, nil
}

// handleKeyMsg cancels the job on the first interrupt and quits on the second
func (m progressModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.String() != "ctrl+c" && msg.String() != "q" {
		return m, nil
	}
	if m.cancelling || m.done {
		m.done = true
		return m, tea.Quit
	}

	m.cancelling = true
	m.addMessage("🛑 Cancelling after the current batch (press again to leave now)...")
	jobs, ctx, id := m.jobs, m.ctx, m.jobID
	return m, func() tea.Msg {
		if err := jobs.Cancel(ctx, id); err != nil {
			return messageMsg(fmt.Sprintf("⚠️  Cancel failed: %v", err))
		}
		return nil
	}
}

func (m progressModel) handleWindowSizeMsg(msg tea.WindowSizeMsg) (tea.Model, tea.Cmd) {
	m.width = msg.Width
	m.bar.Width = msg.Width - 10
	if m.bar.Width > 80 {
		m.bar.Width = 80
	}
	return m, nil
}

func (m progressModel) handleSpinnerTickMsg(msg spinner.TickMsg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	m.spinner, cmd = m.spinner.Update(msg)
	return m, cmd
}

func (m progressModel) handleProgressFrameMsg(msg progress.FrameMsg) (tea.Model, tea.Cmd) {
	model, cmd := m.bar.Update(msg)
	if pm, ok := model.(progress.Model); ok {
		m.bar = pm
	}
	return m, cmd
}

func (m progressModel) handleJobSnapshotMsg(msg jobSnapshotMsg) (tea.Model, tea.Cmd) {
	if msg.err != nil {
		m.err = msg.err
		m.done = true
		return m, tea.Quit
	}

	previous := m.job
	m.job = msg.job
	if previous.Attempts > 0 && m.job.Attempts > previous.Attempts {
		m.addMessage(fmt.Sprintf("🔁 Attempt %d/%d resumes after row %d", m.job.Attempts, m.job.MaxAttempts, m.job.ProcessedRows))
	}

	if m.job.Status.Terminal() {
		m.done = true
		return m, tea.Quit
	}
	return m, tea.Batch(m.bar.SetPercent(m.fraction()), schedulePoll())
}

func (m progressModel) handleMessageMsg(msg messageMsg) (tea.Model, tea.Cmd) {
	m.addMessage(string(msg))
	return m, nil
}

func (m *progressModel) addMessage(text string) {
	m.messages = append(m.messages, text)
	if len(m.messages) > maxMessages {
		m.messages = m.messages[len(m.messages)-maxMessages:]
	}
}

// fraction is the share of rows processed, 0 while the total is unknown
func (m progressModel) fraction() float64 {
	if m.job.TotalRows == nil || *m.job.TotalRows <= 0 {
		return 0
	}
	f := float64(m.job.ProcessedRows) / float64(*m.job.TotalRows)
	if f > 1 {
		f = 1
	}
	return f
}

// rate is rows per second since the job started
func (m progressModel) rate() float64 {
	if m.job.StartedAt == nil {
		return 0
	}
	elapsed := time.Since(*m.job.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(m.job.ProcessedRows) / elapsed
}

// renderBanner renders the title block
func (m progressModel) renderBanner() []string {
	title := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF7CCB")).Bold(true)
	subtitle := lipgloss.NewStyle().Foreground(lipgloss.Color("#999999"))

	mode := ""
	if m.dryRun {
		mode = " (dry run)"
	}
	return []string{
		"",
		"   " + title.Render("📥 CSV Importer v"+Version+mode),
		"   " + subtitle.Render(fmt.Sprintf("%s → %s", m.source, m.table)),
		"",
	}
}

// renderMessages renders the message log section
func (m progressModel) renderMessages() []string {
	sections := []string{helpStyle.Render("   Log:")}
	if len(m.messages) == 0 {
		return append(sections, "     (waiting for operations...)")
	}
	for _, msg := range m.messages {
		sections = append(sections, "     "+msg)
	}
	return sections
}

// renderSeparator renders a horizontal separator
func (m progressModel) renderSeparator() []string {
	separatorWidth := 80
	if m.width > 0 && m.width < 200 {
		separatorWidth = m.width - 6
	}
	separator := "   " + strings.Repeat("─", separatorWidth)
	return []string{"", lipgloss.NewStyle().Foreground(lipgloss.Color("#444")).Render(separator), ""}
}

// renderJob renders status, progress bar and counters
func (m progressModel) renderJob() []string {
	var sections []string
	sections = append(sections, tableHeaderStyle.Render("   Import "+m.jobID))
	sections = append(sections, "")

	status := string(m.job.Status)
	if m.job.Attempts > 1 {
		status = fmt.Sprintf("%s (attempt %d/%d)", status, m.job.Attempts, m.job.MaxAttempts)
	}
	if m.cancelling && !m.job.Status.Terminal() {
		status += ", cancelling"
	}
	sections = append(sections, stageStyle.Render(fmt.Sprintf("   %s %s", m.spinner.View(), status)))

	rows := fmt.Sprintf("   Rows: %d", m.job.ProcessedRows)
	if m.job.TotalRows != nil {
		rows = fmt.Sprintf("   Rows: %d/%d", m.job.ProcessedRows, *m.job.TotalRows)
	}
	if rate := m.rate(); rate > 0 {
		rows += fmt.Sprintf("  %.0f rows/s", rate)
		if eta := m.eta(rate); eta > 0 {
			rows += fmt.Sprintf("  ETA %s", eta)
		}
	}
	sections = append(sections, progressInfoStyle.Render(rows))
	if m.job.TotalRows != nil {
		sections = append(sections, "   "+m.bar.View())
	}

	if m.job.LastError != "" {
		sections = append(sections, "", failedStyle.Render("   Last error: "+m.job.LastError))
	}
	return sections
}

func (m progressModel) eta(rate float64) time.Duration {
	if m.job.TotalRows == nil || rate <= 0 {
		return 0
	}
	left := *m.job.TotalRows - m.job.ProcessedRows
	if left <= 0 {
		return 0
	}
	return (time.Duration(float64(left)/rate) * time.Second).Round(time.Second)
}

func (m progressModel) View() string {
	if m.done {
		return ""
	}

	var sections []string
	sections = append(sections, m.renderBanner()...)
	sections = append(sections, m.renderMessages()...)
	sections = append(sections, m.renderSeparator()...)
	sections = append(sections, m.renderJob()...)

	sections = append(sections, "")
	sections = append(sections, helpStyle.Render("   Press Ctrl+C or 'q' to cancel"))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

// programHandler turns log records into TUI messages so logging does not
// corrupt the display. Records are dropped until a program is attached.
type programHandler struct {
	program atomic.Pointer[tea.Program]
	level   slog.Level
}

func (h *programHandler) attach(p *tea.Program) {
	h.program.Store(p)
}

func (h *programHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *programHandler) Handle(_ context.Context, r slog.Record) error {
	if p := h.program.Load(); p != nil && r.Message != "" {
		p.Send(messageMsg(r.Message))
	}
	return nil
}

func (h *programHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *programHandler) WithGroup(_ string) slog.Handler {
	return h
}

// formatBytes renders a byte count with a binary unit
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
