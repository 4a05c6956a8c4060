// Package tui provides the interactive order board for a linecook client.
package tui

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fentz26/linecook/internal/eta"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/syncengine"
	"github.com/fentz26/linecook/internal/wire"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	itemStyle = lipgloss.NewStyle().
			Padding(0, 2)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true).
			Padding(0, 2)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	mutedStyle    = lipgloss.NewStyle().Foreground(mutedColor)
	criticalStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
)

const (
	modeOrders    = "orders"
	modeDetail    = "detail"
	modeAttention = "attention"
	modeStations  = "stations"
)

var modes = []string{modeOrders, modeAttention, modeStations}

// refreshInterval paces board reloads while the sync engine works in the
// background.
const refreshInterval = 2 * time.Second

type orderRow struct {
	graph    *models.OrderGraph
	estimate *eta.Estimate
}

// App is the main TUI application model.
type App struct {
	backend Backend
	syncer  Syncer
	actor   string

	rows        []orderRow
	selectedIdx int
	taskIdx     int
	currentID   string
	attention   []models.SyncEvent
	loads       []resqueue.Load
	counts      map[models.EventStatus]int
	status      syncengine.Status
	workflows   []string

	input       textinput.Model
	suggestions *Suggestions
	width       int
	height      int
	mode        string
	message     string
	loading     bool
}

// New creates the board.
func New(backend Backend, syncer Syncer, actor string) *App {
	ti := textinput.New()
	ti.Placeholder = "Type: new <workflow>[@version] ... | suggest <workflow> | check <n> | sync"
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 80

	return &App{
		backend:     backend,
		syncer:      syncer,
		actor:       actor,
		input:       ti,
		suggestions: NewSuggestions(),
		mode:        modeOrders,
		counts:      map[models.EventStatus]int{},
	}
}

// Run starts the TUI and blocks until the user quits or ctx is done.
func (a *App) Run(ctx context.Context) error {
	p := tea.NewProgram(a, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.refresh(), a.tickCmd())
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		idle := a.input.Value() == ""
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit

		case "esc":
			if a.mode != modeOrders {
				a.mode = modeOrders
				a.currentID = ""
				return a, a.refresh()
			}

		case "up":
			if a.suggestions.IsVisible() {
				a.suggestions.Prev()
			} else {
				a.move(-1)
			}
			return a, nil

		case "down":
			if a.suggestions.IsVisible() {
				a.suggestions.Next()
			} else {
				a.move(1)
			}
			return a, nil

		case "tab":
			if a.suggestions.IsVisible() {
				a.input.SetValue(a.suggestions.Complete(a.input.Value()))
				a.input.CursorEnd()
				a.suggestions.Update("")
				return a, nil
			}
			a.mode = nextMode(a.mode)
			return a, a.refresh()

		case "enter":
			line := strings.TrimSpace(a.input.Value())
			if line != "" {
				a.input.SetValue("")
				a.suggestions.Update("")
				return a, a.executeCommand(line)
			}
			if a.mode == modeOrders && len(a.rows) > 0 {
				a.mode = modeDetail
				a.currentID = a.rows[a.selectedIdx].graph.Order.ID
				a.taskIdx = 0
				return a, nil
			}

		case "s", "d", "x":
			if idle && a.mode == modeDetail {
				return a, a.taskShortcut(msg.String())
			}
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.input.Width = msg.Width - 4

	case boardLoadedMsg:
		a.loading = false
		a.rows = msg.rows
		a.attention = msg.attention
		a.loads = msg.loads
		a.counts = msg.counts
		a.workflows = msg.workflows
		a.suggestions.SetWorkflows(msg.workflows)
		if a.selectedIdx >= len(a.rows) {
			a.selectedIdx = max(0, len(a.rows)-1)
		}
		if a.mode == modeDetail && a.current() == nil {
			a.mode = modeOrders
		}

	case tickMsg:
		if a.syncer != nil {
			a.status = a.syncer.Status()
		}
		return a, tea.Batch(a.refresh(), a.tickCmd())

	case commandResultMsg:
		a.message = msg.message
		return a, a.refresh()

	case errMsg:
		a.message = "Error: " + msg.err.Error()
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)

	a.suggestions.Update(a.input.Value())

	return a, tea.Batch(cmds...)
}

func nextMode(current string) string {
	for i, m := range modes {
		if m == current {
			return modes[(i+1)%len(modes)]
		}
	}
	return modeOrders
}

func (a *App) move(delta int) {
	switch a.mode {
	case modeOrders:
		a.selectedIdx = clamp(a.selectedIdx+delta, len(a.rows))
	case modeDetail:
		if row := a.current(); row != nil {
			a.taskIdx = clamp(a.taskIdx+delta, len(row.graph.Tasks))
		}
	}
}

func clamp(i, n int) int {
	if i < 0 || n == 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

func (a *App) current() *orderRow {
	for i := range a.rows {
		if a.rows[i].graph.Order.ID == a.currentID {
			return &a.rows[i]
		}
	}
	return nil
}

func (a *App) selectedTask() *models.TaskInstance {
	row := a.current()
	if row == nil || a.taskIdx >= len(row.graph.Tasks) {
		return nil
	}
	return row.graph.Tasks[a.taskIdx]
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	header := titleStyle.Render("linecook")
	header += "  " + a.syncBadge()
	if a.actor != "" {
		header += "  " + mutedStyle.Render(a.actor)
	}
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(a.width, 20)) + "\n")

	contentHeight := a.height - 8
	if contentHeight < 5 {
		contentHeight = 5
	}

	switch a.mode {
	case modeOrders:
		b.WriteString(a.renderOrders(contentHeight))
	case modeDetail:
		b.WriteString(a.renderDetail(contentHeight))
	case modeAttention:
		b.WriteString(a.renderAttention())
	case modeStations:
		b.WriteString(a.renderStations())
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeOrders:
		status = fmt.Sprintf(" Orders: %d | ↑↓:nav | Enter:open | Tab:attention | Ctrl+C:quit", len(a.rows))
	case modeDetail:
		status = " ↑↓:task | s:start | d:done | x:cancel | check <n> | Esc:back"
	case modeAttention:
		status = fmt.Sprintf(" Needs attention: %d | Tab:stations | Esc:back", len(a.attention))
	case modeStations:
		status = fmt.Sprintf(" Stations: %d | Tab:orders | Esc:back", len(a.loads))
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 20)).Render(status))

	return b.String()
}

// syncBadge renders connectivity. Offline is a normal way of working, so it
// is shown muted rather than as an error.
func (a *App) syncBadge() string {
	waiting := a.counts[models.EventStatusPending] + a.counts[models.EventStatusFailed] + a.counts[models.EventStatusSyncing]
	var badge string
	switch a.status.State {
	case syncengine.StateOnline:
		badge = lipgloss.NewStyle().Foreground(successColor).Render("● online")
	case syncengine.StateSyncing:
		badge = lipgloss.NewStyle().Foreground(cyanColor).Render("◍ syncing")
	default:
		badge = mutedStyle.Render("○ working offline")
	}
	if a.status.Breaker == "open" {
		badge += mutedStyle.Render(" · backing off")
	}
	if waiting > 0 {
		badge += mutedStyle.Render(fmt.Sprintf(" · %d to send", waiting))
	}
	if n := len(a.attention); n > 0 {
		badge += "  " + lipgloss.NewStyle().Foreground(warningColor).Render(fmt.Sprintf("[%d need attention]", n))
	}
	return badge
}

func (a *App) renderOrders(height int) string {
	if a.loading && len(a.rows) == 0 {
		return "\n  Loading orders...\n"
	}
	if len(a.rows) == 0 {
		return "\n  No orders yet. Type: new <workflow> to create one.\n"
	}

	var lines []string
	for i, row := range a.rows {
		o := row.graph.Order
		number := o.Number
		if number == "" {
			number = "#----"
		}
		remaining := "-"
		if row.estimate != nil {
			remaining = formatDuration(row.estimate.Remaining)
		}
		text := fmt.Sprintf("%-6s %-18s %-8s %s", number, orderStatus(o.Status), remaining, syncTag(o.SyncStatus))
		if i == a.selectedIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}
	return strings.Join(window(lines, a.selectedIdx, height), "\n")
}

func (a *App) renderDetail(height int) string {
	row := a.current()
	if row == nil {
		return "\n  Loading...\n"
	}
	var b strings.Builder
	o := row.graph.Order
	b.WriteString(fmt.Sprintf("\n  %s  %s  %s\n", lipgloss.NewStyle().Bold(true).Render(fallback(o.Number, shortID(o.ID))),
		orderStatus(o.Status), syncTag(o.SyncStatus)))
	if est := row.estimate; est != nil {
		b.WriteString(mutedStyle.Render(fmt.Sprintf("  ETA %s (%s confidence), ready about %s",
			formatDuration(est.Remaining), est.Confidence, est.PredictedCompletionAt.Local().Format("15:04"))) + "\n")
	}
	b.WriteString("\n")

	var lines []string
	for i, t := range row.graph.Tasks {
		marker := " "
		remaining := ""
		if row.estimate != nil {
			if te, ok := row.estimate.Task(t.ID); ok {
				remaining = formatDuration(te.Remaining)
				if te.Critical {
					marker = criticalStyle.Render("*")
				}
			}
		}
		text := fmt.Sprintf("%s %-14s %-11s %-12s %s", marker, fallback(t.Title, t.DefID), t.Status,
			fallback(t.ResourceID, "unassigned"), remaining)
		if i == a.taskIdx {
			lines = append(lines, selectedStyle.Render("▶ "+text))
			for n, st := range t.Subtasks {
				check := "[ ]"
				if st.Completed {
					check = "[x]"
				}
				lines = append(lines, mutedStyle.Render(fmt.Sprintf("      %d %s %s", n+1, check, fallback(st.Title, st.DefID))))
			}
		} else {
			lines = append(lines, itemStyle.Render("  "+text))
		}
	}
	b.WriteString(strings.Join(window(lines, a.taskIdx, height-3), "\n"))
	return b.String()
}

func (a *App) renderAttention() string {
	var b strings.Builder
	b.WriteString("\n  Changes the server did not accept\n")
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")
	if len(a.attention) == 0 {
		b.WriteString("  Nothing needs attention.\n")
		return b.String()
	}
	for _, ev := range a.attention {
		kind := "rejected"
		if ev.Status == models.EventStatusConflict {
			kind = fmt.Sprintf("gave up after %d tries", ev.RetryCount)
		}
		b.WriteString(fmt.Sprintf("  %-4d %-17s %-10s %s\n", ev.Sequence, ev.Type, shortID(ev.EntityID), kind))
		if ev.LastError != "" {
			b.WriteString(mutedStyle.Render("       "+ev.LastError) + "\n")
		}
	}
	return b.String()
}

func (a *App) renderStations() string {
	var b strings.Builder
	b.WriteString("\n  Stations\n")
	b.WriteString("  " + strings.Repeat("─", 40) + "\n\n")
	if len(a.loads) == 0 {
		b.WriteString("  No stations known yet.\n")
		return b.String()
	}
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(cyanColor)
	b.WriteString("  " + headerStyle.Render(fmt.Sprintf("%-14s %-8s %-8s %-8s %s", "STATION", "CAP", "ACTIVE", "QUEUED", "AVG")) + "\n")
	for _, l := range a.loads {
		avg := "-"
		if l.Average > 0 {
			avg = formatDuration(l.Average)
		}
		b.WriteString(fmt.Sprintf("  %-14s %-8d %-8d %-8d %s\n", l.ResourceID, l.Capacity, l.Active, l.Queued, avg))
	}
	return b.String()
}

func window(lines []string, selected, height int) []string {
	if height <= 0 || len(lines) <= height {
		return lines
	}
	start := selected - height/2
	if start < 0 {
		start = 0
	}
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

func orderStatus(s models.OrderStatus) string {
	if s == models.OrderStatusReadyForHandoff {
		return lipgloss.NewStyle().Foreground(successColor).Render("● ready")
	}
	return lipgloss.NewStyle().Foreground(secondaryColor).Render("◐ in progress")
}

func syncTag(s models.SyncStatus) string {
	switch s {
	case models.SyncStatusLocal:
		return mutedStyle.Render("not sent")
	case models.SyncStatusModified:
		return mutedStyle.Render("changes to send")
	default:
		return ""
	}
}

func fallback(s, alt string) string {
	if s == "" {
		return alt
	}
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
}

// --- Commands ---

func (a *App) refresh() tea.Cmd {
	a.loading = true
	return func() tea.Msg {
		ctx := context.Background()
		graphs, err := a.backend.Orders(ctx)
		if err != nil {
			return errMsg{err}
		}
		rows := make([]orderRow, 0, len(graphs))
		for _, g := range graphs {
			row := orderRow{graph: g}
			if est, err := a.backend.ETA(ctx, g.Order.ID); err == nil {
				row.estimate = est
			}
			rows = append(rows, row)
		}
		attention, err := a.backend.Attention(ctx)
		if err != nil {
			return errMsg{err}
		}
		counts, err := a.backend.Counts(ctx)
		if err != nil {
			return errMsg{err}
		}
		defs, err := a.backend.Workflows(ctx)
		if err != nil {
			return errMsg{err}
		}
		seen := make(map[string]bool)
		var names []string
		for _, d := range defs {
			if !seen[d.ID] {
				seen[d.ID] = true
				names = append(names, d.ID)
			}
		}
		return boardLoadedMsg{
			rows:      rows,
			attention: attention,
			counts:    counts,
			loads:     a.backend.Loads(),
			workflows: names,
		}
	}
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) taskShortcut(key string) tea.Cmd {
	task := a.selectedTask()
	if task == nil {
		return nil
	}
	id := task.ID
	return func() tea.Msg {
		ctx := context.Background()
		var (
			res  *wire.OrderResult
			err  error
			verb string
		)
		switch key {
		case "s":
			verb = "started"
			res, err = a.backend.StartTask(ctx, id)
		case "d":
			verb = "done"
			res, err = a.backend.CompleteTask(ctx, id)
		case "x":
			verb = "cancelled"
			res, err = a.backend.CancelTask(ctx, id)
		}
		if err != nil {
			return commandResultMsg{"Error: " + err.Error()}
		}
		if res.Noop {
			return commandResultMsg{"Already " + verb}
		}
		return commandResultMsg{fmt.Sprintf("✓ %s %s", fallback(task.Title, task.DefID), verb)}
	}
}

func (a *App) executeCommand(input string) tea.Cmd {
	parts := strings.Fields(strings.TrimPrefix(input, "/"))
	if len(parts) == 0 {
		return nil
	}
	cmd := parts[0]
	args := parts[1:]
	for i, arg := range args {
		args[i] = strings.TrimPrefix(arg, "@")
	}

	return func() tea.Msg {
		ctx := context.Background()
		switch cmd {
		case "new":
			if len(args) == 0 {
				return commandResultMsg{"Usage: new <workflow>[@version] ..."}
			}
			lines, err := wire.ParseLines(args)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			res, err := a.backend.CreateOrder(ctx, lines)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			msg := fmt.Sprintf("✓ Order created with %d tasks", len(res.Graph.Tasks))
			if res.Warning != "" {
				msg += " (" + res.Warning + ")"
			}
			return commandResultMsg{msg}

		case "suggest":
			if len(args) == 0 {
				return commandResultMsg{"Usage: suggest <workflow>[@version] ..."}
			}
			lines, err := wire.ParseLines(args)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			est, err := a.backend.Suggest(ctx, lines)
			if err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{fmt.Sprintf("Ordered now: about %s (%s confidence)",
				formatDuration(est.Remaining), est.Confidence)}

		case "start", "done", "cancel":
			key := map[string]string{"start": "s", "done": "d", "cancel": "x"}[cmd]
			if c := a.taskShortcut(key); c != nil {
				return c()
			}
			return commandResultMsg{"Open an order and select a task first"}

		case "check":
			task := a.selectedTask()
			if task == nil {
				return commandResultMsg{"Open an order and select a task first"}
			}
			n := 1
			if len(args) > 0 {
				v, err := strconv.Atoi(args[0])
				if err != nil {
					return commandResultMsg{"Usage: check <n>"}
				}
				n = v
			}
			if n < 1 || n > len(task.Subtasks) {
				return commandResultMsg{fmt.Sprintf("Task has %d checklist items", len(task.Subtasks))}
			}
			if _, err := a.backend.CompleteSubtask(ctx, task.Subtasks[n-1].ID); err != nil {
				return commandResultMsg{"Error: " + err.Error()}
			}
			return commandResultMsg{"✓ Checked"}

		case "sync":
			if a.syncer == nil {
				return commandResultMsg{"Sync is not running"}
			}
			a.syncer.Trigger()
			return commandResultMsg{"Sync requested"}

		case "q", "quit", "exit":
			return tea.Quit()

		default:
			return commandResultMsg{fmt.Sprintf("Unknown: %s (try: new, suggest, check, sync)", cmd)}
		}
	}
}

type commandResultMsg struct {
	message string
}

type errMsg struct {
	err error
}

type boardLoadedMsg struct {
	rows      []orderRow
	attention []models.SyncEvent
	counts    map[models.EventStatus]int
	loads     []resqueue.Load
	workflows []string
}

type tickMsg time.Time
