package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Suggestions provides autocomplete for commands and workflow references.
// A leading "/" lists commands; a word starting with "@" lists workflows.
type Suggestions struct {
	items       []SuggestionItem
	workflows   []SuggestionItem
	filtered    []SuggestionItem
	selectedIdx int
	visible     bool
	prefix      string // "/" or "@"
	token       string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "workflow"
}

var commandSuggestions = []SuggestionItem{
	{Text: "new", Description: "Create an order from workflows", Type: "command"},
	{Text: "suggest", Description: "Estimate a hypothetical order", Type: "command"},
	{Text: "start", Description: "Start the selected task", Type: "command"},
	{Text: "done", Description: "Complete the selected task", Type: "command"},
	{Text: "cancel", Description: "Cancel the selected task", Type: "command"},
	{Text: "check", Description: "Tick a checklist item of the selected task", Type: "command"},
	{Text: "sync", Description: "Push and pull now", Type: "command"},
	{Text: "quit", Description: "Leave the board", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{
		items:   commandSuggestions,
		visible: false,
	}
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.visible = false
	s.filtered = nil
	s.prefix = ""
	s.token = ""
	if input == "" {
		return
	}

	if strings.HasPrefix(input, "/") && !strings.Contains(input, " ") {
		s.prefix = "/"
		s.token = input
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
		return
	}

	// Only the word being typed is completed.
	if strings.HasSuffix(input, " ") {
		return
	}
	fields := strings.Fields(input)
	last := fields[len(fields)-1]
	if strings.HasPrefix(last, "@") {
		s.prefix = "@"
		s.token = last
		s.items = s.workflows
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(last, "@")))
	}
}

// SetWorkflows updates the workflow references offered after "@".
func (s *Suggestions) SetWorkflows(ids []string) {
	s.workflows = make([]SuggestionItem, len(ids))
	for i, id := range ids {
		s.workflows[i] = SuggestionItem{
			Text:        id,
			Description: "Workflow",
			Type:        "workflow",
		}
	}
	if s.prefix == "@" {
		s.items = s.workflows
		s.filter(strings.ToLower(strings.TrimPrefix(s.token, "@")))
	}
}

// Complete replaces the word being typed with the selected suggestion.
func (s *Suggestions) Complete(input string) string {
	selected := s.Selected()
	if selected == nil {
		return input
	}
	head := strings.TrimSuffix(input, s.token)
	return head + selected.Text + " "
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	s.filtered = s.filtered[:0]
	for _, item := range s.items {
		if query == "" || strings.HasPrefix(strings.ToLower(item.Text), query) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves the highlight down, wrapping at the end.
func (s *Suggestions) Next() { s.step(1) }

// Prev moves the highlight up, wrapping at the start.
func (s *Suggestions) Prev() { s.step(-1) }

func (s *Suggestions) step(delta int) {
	n := len(s.filtered)
	if n == 0 {
		return
	}
	s.selectedIdx = ((s.selectedIdx+delta)%n + n) % n
}

// Selected returns the highlighted suggestion, or nil.
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.IsVisible() || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible reports whether there is anything to show.
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

const maxSuggestions = 5

var suggestionBoxStyle = lipgloss.NewStyle().
	Border(lipgloss.RoundedBorder()).
	BorderForeground(secondaryColor).
	Padding(0, 1)

// Render draws the dropdown below the input box.
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	header := "Commands"
	if s.prefix == "@" {
		header = "Workflows"
	}
	lines := []string{lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header)}

	descStyle := helpStyle
	for i, item := range s.filtered {
		if i == maxSuggestions {
			lines = append(lines, descStyle.Render(fmt.Sprintf("  +%d more", len(s.filtered)-maxSuggestions)))
			break
		}
		if i == s.selectedIdx {
			lines = append(lines, selectedStyle.Padding(0).Render("▶ "+item.Text+"  "+item.Description))
			continue
		}
		lines = append(lines, "  "+item.Text+"  "+descStyle.Render(item.Description))
	}

	return suggestionBoxStyle.Width(max(width-4, 20)).Render(strings.Join(lines, "\n"))
}
