package internal

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"spherechat/internal/chat"
)

// RunClient connects a session to the sphere and runs the TUI until exit.
func RunClient(serverURL, sphereID, userID, userName string, log *slog.Logger) error {
	session := NewSession(serverURL, sphereID, userID, userName, log)
	defer session.Close()
	program := tea.NewProgram(NewTUIModel(session), tea.WithAltScreen())
	_, err := program.Run()
	return err
}

// TUIModel holds the bubbletea state for the sphere client: the input line,
// the session driving the live connection, and the thread being viewed.
type TUIModel struct {
	session *Session
	input   textinput.Model

	threads     []chat.Thread
	threadIndex int // -1 is the sphere feed

	width  int
	height int
	errMsg string
}

type (
	stateChangedMsg struct{}
	threadsMsg      []chat.Thread
	sessionErrMsg   error
)

var (
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).BorderStyle(lipgloss.NormalBorder()).BorderBottom(true).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
	authorStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("81"))
	selfStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213"))
	pendingStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	bodyStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("253"))
	reactionStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	typingStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("109")).Italic(true)
	rosterStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("110"))
	offlineStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	tabStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Padding(0, 1)
	activeTab     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("213")).Padding(0, 1)
	badgeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	errorLine     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	inputBox      = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("63")).Padding(0, 1)
)

func NewTUIModel(session *Session) *TUIModel {
	input := textinput.New()
	input.Placeholder = "Type a message…"
	input.CharLimit = 0
	input.Prompt = "> "
	input.Focus()
	return &TUIModel{
		session:     session,
		input:       input,
		threadIndex: -1,
	}
}

func (m *TUIModel) Init() tea.Cmd {
	go m.session.Run()
	return tea.Batch(m.waitForUpdate(), m.loadThreads(), m.loadHistory())
}

func (m *TUIModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		<-m.session.Updates
		return stateChangedMsg{}
	}
}

func (m *TUIModel) loadThreads() tea.Cmd {
	return func() tea.Msg {
		threads, err := m.session.Threads()
		if err != nil {
			return sessionErrMsg(err)
		}
		return threadsMsg(threads)
	}
}

func (m *TUIModel) loadHistory() tea.Cmd {
	threadID := m.currentThreadID()
	return func() tea.Msg {
		if err := m.session.LoadHistory(threadID, 0); err != nil {
			return sessionErrMsg(err)
		}
		return stateChangedMsg{}
	}
}

func (m *TUIModel) currentThreadID() *string {
	if m.threadIndex < 0 || m.threadIndex >= len(m.threads) {
		return nil
	}
	id := m.threads[m.threadIndex].ID
	return &id
}

func (m *TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		return m, nil
	case stateChangedMsg:
		return m, m.waitForUpdate()
	case threadsMsg:
		m.threads = msg
		return m, nil
	case sessionErrMsg:
		m.errMsg = msg.Error()
		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.session.Close()
			return m, tea.Quit
		case tea.KeyTab:
			return m.switchThread(1)
		case tea.KeyShiftTab:
			return m.switchThread(-1)
		case tea.KeyPgUp:
			threadID := m.currentThreadID()
			return m, func() tea.Msg {
				if err := m.session.LoadOlder(threadID, 0); err != nil {
					return sessionErrMsg(err)
				}
				return stateChangedMsg{}
			}
		case tea.KeyEnter:
			return m.submit()
		}
	}
	var cmd tea.Cmd
	before := m.input.Value()
	m.input, cmd = m.input.Update(msg)
	if m.input.Value() != before && m.input.Value() != "" {
		m.session.NotifyTyping(m.currentThreadID())
	}
	return m, cmd
}

func (m *TUIModel) switchThread(delta int) (tea.Model, tea.Cmd) {
	// Index -1 is the feed; thread tabs follow.
	n := len(m.threads) + 1
	m.threadIndex = ((m.threadIndex+1+delta)%n+n)%n - 1
	threadID := m.currentThreadID()
	m.session.State().SetActiveThread(threadID)
	if !m.session.State().Loaded(threadID) {
		return m, m.loadHistory()
	}
	return m, nil
}

func (m *TUIModel) submit() (tea.Model, tea.Cmd) {
	body := strings.TrimSpace(m.input.Value())
	if body == "" {
		return m, nil
	}
	m.input.Reset()
	m.errMsg = ""
	threadID := m.currentThreadID()
	return m, func() tea.Msg {
		if err := m.session.SendMessage(threadID, body); err != nil {
			return sessionErrMsg(err)
		}
		return stateChangedMsg{}
	}
}

func (m *TUIModel) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("sphere "+m.session.sphereID) + "\n")
	b.WriteString(m.renderTabs() + "\n")

	threadID := m.currentThreadID()
	messages := m.session.State().Messages(threadID)
	limit := m.height - 10
	if limit < 3 {
		limit = 3
	}
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	for _, msg := range messages {
		b.WriteString(m.renderMessage(msg) + "\n")
	}

	if line := m.renderTyping(threadID); line != "" {
		b.WriteString(line + "\n")
	}
	b.WriteString(m.renderRoster() + "\n")
	errText := m.errMsg
	if errText == "" {
		errText = m.session.LastError()
	}
	if errText != "" {
		b.WriteString(errorLine.Render(errText) + "\n")
	}
	b.WriteString(inputBox.Render(m.input.View()))
	return b.String()
}

func (m *TUIModel) renderTabs() string {
	parts := make([]string, 0, len(m.threads)+1)
	render := func(label string, idx int, unread int) string {
		if unread > 0 {
			label += " " + badgeStyle.Render(fmt.Sprintf("(%d)", unread))
		}
		if idx == m.threadIndex {
			return activeTab.Render(label)
		}
		return tabStyle.Render(label)
	}
	parts = append(parts, render("feed", -1, m.session.State().Unread(nil)))
	for i, t := range m.threads {
		id := t.ID
		parts = append(parts, render(t.Name, i, m.session.State().Unread(&id)))
	}
	return strings.Join(parts, " ")
}

func (m *TUIModel) renderMessage(msg chat.Message) string {
	name := msg.AuthorName
	if name == "" {
		name = msg.AuthorID
	}
	style := authorStyle
	if msg.AuthorID == m.session.userID {
		style = selfStyle
	}
	line := style.Render(name) + " " + bodyStyle.Render(msg.Body)
	if len(msg.Reactions) > 0 {
		counts := make(map[string]int)
		order := make([]string, 0, len(msg.Reactions))
		for _, r := range msg.Reactions {
			if counts[r.Emoji] == 0 {
				order = append(order, r.Emoji)
			}
			counts[r.Emoji]++
		}
		parts := make([]string, 0, len(order))
		for _, emoji := range order {
			parts = append(parts, fmt.Sprintf("%s %d", emoji, counts[emoji]))
		}
		line += "  " + reactionStyle.Render(strings.Join(parts, "  "))
	}
	if msg.Pending {
		return pendingStyle.Render(name + " " + msg.Body + " …")
	}
	return line
}

func (m *TUIModel) renderTyping(threadID *string) string {
	entries := m.session.State().Typing(threadID)
	if len(entries) == 0 {
		return ""
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			names = append(names, e.Name)
		} else {
			names = append(names, e.UserID)
		}
	}
	verb := "is typing…"
	if len(names) > 1 {
		verb = "are typing…"
	}
	return typingStyle.Render(strings.Join(names, ", ") + " " + verb)
}

func (m *TUIModel) renderRoster() string {
	roster := m.session.State().Roster()
	if len(roster) == 0 {
		return offlineStyle.Render("nobody here yet")
	}
	parts := make([]string, 0, len(roster))
	for _, entry := range roster {
		name := entry.Name
		if name == "" {
			name = entry.UserID
		}
		if entry.Online {
			parts = append(parts, rosterStyle.Render("● "+name))
		} else {
			parts = append(parts, offlineStyle.Render("○ "+name))
		}
	}
	return strings.Join(parts, "  ")
}
