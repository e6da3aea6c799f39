package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/rocketterm/rocketterm"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

const (
	sidebarWidth  = 26
	actionTimeout = time.Minute
)

// =============================================================================
// STYLES
// =============================================================================

var (
	sidebarStyle  = lipgloss.NewStyle().BorderStyle(lipgloss.NormalBorder()).BorderRight(true).PaddingRight(1)
	selectedStyle = lipgloss.NewStyle().Bold(true).Reverse(true)
	activityStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("11"))
	ownStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))
	mentionStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	updateStyle   = lipgloss.NewStyle().Faint(true)
	statusStyle   = lipgloss.NewStyle().Reverse(true)
	errorStyle    = lipgloss.NewStyle().Reverse(true).Foreground(lipgloss.Color("9"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Underline(true)
)

// =============================================================================
// MESSAGES
// =============================================================================

// eventsMsg signals that the controller has queued events.
type eventsMsg struct{}

func waitForEvents(ctl *rocketterm.Controller) tea.Cmd {
	return func() tea.Msg {
		<-ctl.Events()
		return eventsMsg{}
	}
}

// =============================================================================
// MODEL
// =============================================================================

type tuiModel struct {
	s   *session
	ctl *rocketterm.Controller

	width, height int
	view          viewport.Model
	input         textinput.Model
	ready         bool

	status    string
	statusErr bool
	overlay   string
	activity  map[string]bool
	lost      bool
}

func newTUIModel() *tuiModel {
	ti := textinput.New()
	ti.Placeholder = "Type a message or /command"
	ti.CharLimit = 4096
	ti.Prompt = "> "
	ti.Focus()
	return &tuiModel{
		input:    ti,
		activity: make(map[string]bool),
	}
}

func (m *tuiModel) setStatus(format string, args ...any) {
	m.status, m.statusErr = fmt.Sprintf(format, args...), false
}

func (m *tuiModel) setError(err error) {
	m.status, m.statusErr = err.Error(), true
}

func (m *tuiModel) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForEvents(m.ctl))
}

func (m *tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		w, h := m.paneSize()
		if !m.ready {
			m.view = viewport.New(w, h)
			m.ready = true
		} else {
			m.view.Width, m.view.Height = w, h
		}
		m.input.Width = w - 2
		m.refresh()
		return m, nil

	case eventsMsg:
		m.ctl.ProcessEvents()
		m.refresh()
		if m.lost {
			return m, nil
		}
		return m, waitForEvents(m.ctl)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		m.overlay = ""
		m.refresh()
		return m, nil
	case "ctrl+n", "ctrl+p":
		dir := rocketterm.Next
		if msg.String() == "ctrl+p" {
			dir = rocketterm.Previous
		}
		if _, err := m.ctl.SelectAdjacentRoom(ctx, dir); err != nil {
			m.setError(err)
		}
		m.refresh()
		return m, nil
	case "pgup":
		if m.view.AtTop() && m.ctl.SelectedRoom() != nil {
			if _, err := m.ctl.LoadMoreMessages(ctx, nil, 0); err != nil {
				m.setError(err)
			}
			m.refresh()
		}
		m.view.HalfViewUp()
		return m, nil
	case "pgdown":
		m.view.HalfViewDown()
		return m, nil
	case "enter":
		line := strings.TrimSpace(m.input.Value())
		m.input.Reset()
		if line == "" {
			return m, nil
		}
		if line == "/quit" {
			return m, tea.Quit
		}
		if err := m.execute(ctx, line); err != nil {
			m.setError(err)
		}
		m.refresh()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// =============================================================================
// COMMANDS
// =============================================================================

// parseCommand splits "/name args..." into its parts. Plain text yields an
// empty name.
func parseCommand(line string) (string, []string) {
	if !strings.HasPrefix(line, "/") || strings.HasPrefix(line, "//") {
		return "", nil
	}
	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return "", nil
	}
	return fields[0], fields[1:]
}

// parseMessageNumber parses "#42" or "42".
func parseMessageNumber(arg string) (int, error) {
	nr, err := strconv.Atoi(strings.TrimPrefix(arg, "#"))
	if err != nil || nr <= 0 {
		return 0, fmt.Errorf("invalid message number %q", arg)
	}
	return nr, nil
}

var errUsage = errors.New("usage")

func (m *tuiModel) execute(ctx context.Context, line string) error {
	name, args := parseCommand(line)
	room := m.ctl.SelectedRoom()

	if name == "" {
		if room == nil {
			return rocketterm.ErrNoRoomSelected
		}
		_, err := m.ctl.SendMessage(ctx, room, strings.TrimPrefix(line, "/"))
		return err
	}

	switch name {
	case "delmsg":
		if len(args) != 1 || room == nil {
			return fmt.Errorf("%w: /delmsg #N", errUsage)
		}
		nr, err := parseMessageNumber(args[0])
		if err != nil {
			return err
		}
		msg, err := messageByNumber(ctx, m.ctl, room, nr)
		if err != nil {
			return err
		}
		if err := m.ctl.DeleteMessage(ctx, msg); err != nil {
			return err
		}
		m.setStatus("deleting #%d", nr)
	case "hide":
		return m.ctl.HideRoom(ctx, nil)
	case "open":
		if len(args) != 1 {
			return fmt.Errorf("%w: /open <room>", errUsage)
		}
		target, err := findRoom(m.ctl, args[0])
		if err != nil {
			return err
		}
		if target.IsOpen() {
			_, err := m.ctl.SelectRoom(ctx, target)
			return err
		}
		return m.ctl.OpenRoom(ctx, target)
	case "join":
		if len(args) != 1 {
			return fmt.Errorf("%w: /join <channel>", errUsage)
		}
		channels, err := m.ctl.ListChannels(ctx)
		if err != nil {
			return err
		}
		want := strings.TrimPrefix(args[0], "#")
		for _, ch := range channels {
			if ch.Name == want {
				return m.ctl.JoinChannel(ctx, ch)
			}
		}
		return fmt.Errorf("no channel %q", args[0])
	case "direct":
		if len(args) != 1 {
			return fmt.Errorf("%w: /direct @user", errUsage)
		}
		return m.ctl.CreateDirectChat(ctx, args[0])
	case "status":
		if len(args) == 0 {
			return fmt.Errorf("%w: /status online|away|busy|offline [text]", errUsage)
		}
		presence, err := rocketterm.ParsePresence(args[0])
		if err != nil {
			return err
		}
		return m.ctl.SetUserStatus(ctx, presence, strings.Join(args[1:], " "))
	case "thread":
		if len(args) != 1 || room == nil {
			return fmt.Errorf("%w: /thread #N", errUsage)
		}
		nr, err := parseMessageNumber(args[0])
		if err != nil {
			return err
		}
		root, err := messageByNumber(ctx, m.ctl, room, nr)
		if err != nil {
			return err
		}
		m.ctl.SelectThread(room, root)
		m.setStatus("replying in thread #%d", nr)
	case "nothread":
		if room != nil {
			m.ctl.ClearThread(room)
		}
		m.setStatus("thread cleared")
	case "whois":
		if len(args) != 1 {
			return fmt.Errorf("%w: /whois @user", errUsage)
		}
		u, ok := m.ctl.GetUser(ctx, args[0])
		if !ok {
			return fmt.Errorf("no such user %s", args[0])
		}
		st, err := m.ctl.GetPresence(ctx, u.ID, true)
		if err != nil {
			return err
		}
		m.setStatus("@%s (%s): %s %s", u.Username, u.FriendlyName(), st.Presence, st.Text)
	case "users":
		users, err := m.ctl.CacheAllUsers(ctx)
		if err != nil {
			return err
		}
		var b strings.Builder
		b.WriteString(headerStyle.Render(fmt.Sprintf("%d users (esc to close)", len(users))) + "\n")
		for _, u := range users {
			fmt.Fprintf(&b, "@%s  %s\n", u.Username, u.Name)
		}
		m.overlay = b.String()
	case "resolve":
		if room == nil {
			return rocketterm.ErrNoRoomSelected
		}
		lost, err := m.ctl.ResolveThreadParents(ctx, room)
		if err != nil {
			return err
		}
		if pending := m.ctl.PendingThreadReferences(room); pending > 0 {
			m.setStatus("%d thread references still pending", pending)
		} else {
			m.setStatus("%d thread references unresolvable", len(lost))
		}
	default:
		return fmt.Errorf("unknown command /%s", name)
	}
	return nil
}

// =============================================================================
// RENDERING
// =============================================================================

func (m *tuiModel) paneSize() (int, int) {
	return max(m.width-sidebarWidth-2, 10), max(m.height-3, 3)
}

// refresh rebuilds the message pane of the selected room.
func (m *tuiModel) refresh() {
	if !m.ready {
		return
	}
	if m.overlay != "" {
		m.view.SetContent(m.overlay)
		return
	}
	room := m.ctl.SelectedRoom()
	if room == nil {
		m.view.SetContent("no room selected")
		return
	}
	delete(m.activity, room.ID)

	msgs := m.ctl.Messages(room)
	lines := make([]string, 0, len(msgs)+1)
	if m.ctl.HistoryComplete(room) {
		lines = append(lines, headerStyle.Render("beginning of "+room.Label()))
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		line := formatMessageLine(m.ctl, room, msg)
		switch {
		case msg.IsIncrementalUpdate():
			line = updateStyle.Render(line)
		case m.ctl.MentionsUs(msg):
			line = mentionStyle.Render(line)
		case m.ctl.IsFromUs(msg):
			line = ownStyle.Render(line)
		}
		lines = append(lines, line)
	}
	atBottom := m.view.AtBottom()
	m.view.SetContent(lipgloss.NewStyle().Width(m.view.Width).Render(strings.Join(lines, "\n")))
	if atBottom {
		m.view.GotoBottom()
	}
}

func (m *tuiModel) renderSidebar() string {
	selected := m.ctl.SelectedRoom()
	var b strings.Builder
	for _, r := range m.ctl.VisibleRooms() {
		label := runewidth.Truncate(r.Label(), sidebarWidth-2, "…")
		label = runewidth.FillRight(label, sidebarWidth-2)
		switch {
		case selected.Equal(r):
			label = selectedStyle.Render(label)
		case m.activity[r.ID] || r.Unread() > 0:
			label = activityStyle.Render(label)
		}
		b.WriteString(label + "\n")
	}
	_, h := m.paneSize()
	return sidebarStyle.Height(h).Width(sidebarWidth - 1).Render(b.String())
}

func (m *tuiModel) renderStatus() string {
	text := m.status
	if text == "" {
		if me := m.ctl.LocalUser(); me != nil {
			text = fmt.Sprintf("@%s [%s]", me.Username, me.Status)
		}
		if room := m.ctl.SelectedRoom(); room != nil {
			text += fmt.Sprintf("  %s  %d/%s msgs", room.Label(), len(m.ctl.Messages(room)),
				countLabel(m.ctl.RoomMessageCount(room)))
			if root, ok := m.ctl.SelectedThread(room); ok {
				text += fmt.Sprintf("  thread #%d", root.Number())
			}
		}
	}
	style := statusStyle
	if m.statusErr {
		style = errorStyle
	}
	return style.Width(m.width).Render(runewidth.Truncate(text, max(m.width, 1), "…"))
}

func (m *tuiModel) View() string {
	if !m.ready {
		return "connecting..."
	}
	panes := lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), m.view.View())
	return lipgloss.JoinVertical(lipgloss.Left, panes, m.renderStatus(), m.input.View())
}

// =============================================================================
// CALLBACKS
// =============================================================================

// tuiCallbacks feeds controller notifications into the model. They run on
// the bubbletea goroutine since ProcessEvents is called from Update.
type tuiCallbacks struct {
	rocketterm.NopCallbacks
	m *tuiModel
}

func (c tuiCallbacks) NewRoomMessage(msg *rocketterm.Message) {
	if sel := c.m.ctl.SelectedRoom(); sel == nil || sel.ID != msg.RoomID {
		c.m.activity[msg.RoomID] = true
	}
}

func (c tuiCallbacks) RoomAdded(r *rocketterm.Room)   { c.m.setStatus("joined %s", r.Label()) }
func (c tuiCallbacks) RoomRemoved(r *rocketterm.Room) { c.m.setStatus("left %s", r.Label()) }
func (c tuiCallbacks) RoomHidden(r *rocketterm.Room)  { c.m.setStatus("%s hidden", r.Label()) }
func (c tuiCallbacks) RoomOpened(r *rocketterm.Room)  { c.m.setStatus("%s opened", r.Label()) }

func (c tuiCallbacks) NewRoomSelected(*rocketterm.Room) {
	c.m.overlay = ""
	c.m.status = ""
}

func (c tuiCallbacks) ThreadActivity(root, _ *rocketterm.Message) {
	c.m.setStatus("new reply in thread #%d (%d replies)", root.Number(), root.ReplyCount)
}

func (c tuiCallbacks) OwnStatusChanged(st rocketterm.UserStatus) {
	c.m.setStatus("your status is now %s %s", st.Presence, st.Text)
}

func (c tuiCallbacks) PeerStatusChanged(st rocketterm.UserStatus) {
	c.m.setStatus("@%s is now %s", st.Username, st.Presence)
}

func (c tuiCallbacks) LostConnection() {
	c.m.lost = true
	c.m.setError(errors.New("lost connection to server, restart to reconnect"))
}

func (c tuiCallbacks) InternalError(err error) {
	c.m.setError(err)
}

// =============================================================================
// ENTRY POINT
// =============================================================================

func runTUI(cmd *cobra.Command, args []string) error {
	if !term.IsTerminal(int(os.Stdin.Fd())) || !term.IsTerminal(int(os.Stdout.Fd())) {
		return errors.New("the chat interface needs a terminal; see 'rocketterm --help' for batch commands")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	m := newTUIModel()
	fmt.Fprintln(os.Stderr, "connecting...")
	s, err := connect(ctx, tuiCallbacks{m: m})
	if err != nil {
		return err
	}
	defer s.Close()
	m.s, m.ctl = s, s.ctl

	if _, err := s.ctl.SelectAnyRoom(ctx); err != nil {
		return err
	}

	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
