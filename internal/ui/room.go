package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/BioHazard786/Huddle/internal/latency"
	"github.com/BioHazard786/Huddle/internal/mesh"
	"github.com/BioHazard786/Huddle/internal/protocol"
)

const refreshInterval = time.Second

// Room is what the view needs from a live room session.
type Room interface {
	SendChat(content string) (protocol.Chat, error)
	Peers() []mesh.PeerInfo
	Quality() latency.Quality
}

type RoomOptions struct {
	Code     string
	Username string
	Room     Room
	Events   <-chan mesh.Event
	// Commands handles input lines starting with '/' other than /quit and
	// /peers. It returns the text to show, if any.
	Commands func(line string) string
}

type eventMsg mesh.Event

type eventsClosedMsg struct{}

type refreshMsg time.Time

// RoomModel is the interactive room screen: chat log, peer summary and a
// status line showing connection quality and reconnect progress.
type RoomModel struct {
	opts     RoomOptions
	viewport viewport.Model
	input    textinput.Model
	spinner  spinner.Model

	lines   []string
	peers   []mesh.PeerInfo
	quality latency.Quality
	status  string
	busy    bool
	ready   bool

	started   time.Time
	seen      map[string]struct{}
	messages  int
	reconnect int
	quitting  bool
}

func NewRoomModel(opts RoomOptions) *RoomModel {
	in := textinput.New()
	in.Placeholder = "Say something, /peers, /quit"
	in.CharLimit = 2000
	in.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = SpinnerStyle

	return &RoomModel{
		opts:     opts,
		viewport: viewport.New(80, 20),
		input:    in,
		spinner:  s,
		quality:  latency.Disconnected,
		status:   "connected",
		started:  time.Now(),
		seen:     make(map[string]struct{}),
	}
}

func (m *RoomModel) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		m.spinner.Tick,
		m.waitForEvent(),
		refresh(),
	)
}

func (m *RoomModel) waitForEvent() tea.Cmd {
	events := m.opts.Events
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return eventMsg(e)
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return refreshMsg(t)
	})
}

func (m *RoomModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			if cmd := m.submit(strings.TrimSpace(m.input.Value())); cmd != nil {
				return m, cmd
			}
			m.input.Reset()
			return m, nil
		}

	case tea.WindowSizeMsg:
		m.viewport.Width = msg.Width
		m.viewport.Height = max(3, msg.Height-4)
		m.input.Width = max(10, msg.Width-4)
		m.ready = true
		m.render()

	case eventMsg:
		m.handle(mesh.Event(msg))
		if msg.Kind == mesh.EventLeft {
			m.quitting = true
			return m, tea.Quit
		}
		cmds = append(cmds, m.waitForEvent())

	case eventsClosedMsg:
		m.quitting = true
		return m, tea.Quit

	case refreshMsg:
		m.peers = m.opts.Room.Peers()
		m.quality = m.opts.Room.Quality()
		cmds = append(cmds, refresh())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// submit acts on one input line. It returns tea.Quit for /quit.
func (m *RoomModel) submit(line string) tea.Cmd {
	switch {
	case line == "":
		return nil
	case line == "/quit":
		m.quitting = true
		return tea.Quit
	case line == "/peers":
		m.appendLine(NewPeerTable(m.opts.Room.Peers()).View())
	case strings.HasPrefix(line, "/"):
		if m.opts.Commands == nil {
			m.appendLine(WarningStyle.Render("unknown command " + line))
			break
		}
		if out := m.opts.Commands(line); out != "" {
			m.appendLine(MutedStyle.Render(out))
		}
	default:
		chat, err := m.opts.Room.SendChat(line)
		if err != nil {
			m.appendLine(FormatError(err))
			break
		}
		m.messages++
		m.appendLine(formatChat(chat, SelfStyle))
	}
	return nil
}

func (m *RoomModel) handle(e mesh.Event) {
	switch e.Kind {
	case mesh.EventPeerConnected:
		m.seen[e.PeerID] = struct{}{}
		m.peers = m.opts.Room.Peers()
	case mesh.EventPeerDisconnected, mesh.EventPeerFailed:
		m.peers = m.opts.Room.Peers()
	case mesh.EventMessage:
		if _, ok := e.Payload.(protocol.Chat); ok {
			m.messages++
		}
	case mesh.EventQualityChanged:
		m.quality = e.Quality
	case mesh.EventSessionLost, mesh.EventReconnecting:
		m.busy = true
		m.status = "reconnecting"
		if e.Kind == mesh.EventReconnecting {
			m.status = fmt.Sprintf("reconnecting %d/%d in %s", e.Attempt, e.MaxAttempts, e.Delay.Round(100*time.Millisecond))
		}
	case mesh.EventReconnected:
		m.busy = false
		m.reconnect++
		m.status = "connected"
	case mesh.EventFailed:
		m.busy = false
		m.status = "disconnected"
	}

	if line := Describe(e); line != "" {
		m.appendLine(line)
	}
}

func (m *RoomModel) appendLine(line string) {
	m.lines = append(m.lines, line)
	m.render()
}

func (m *RoomModel) render() {
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

// Describe turns an event into a chat log line; events that need no line
// return "".
func Describe(e mesh.Event) string {
	who := e.Username
	if who == "" {
		who = e.PeerID
	}

	switch e.Kind {
	case mesh.EventPeerConnected:
		return SuccessStyle.Render(fmt.Sprintf("%s %s joined", IconPeer, who))
	case mesh.EventPeerDisconnected:
		return MutedStyle.Render(fmt.Sprintf("%s %s left", IconPeer, who))
	case mesh.EventPeerFailed:
		return WarningStyle.Render(fmt.Sprintf("%s could not connect to %s: %v", IconWarning, who, e.Err))
	case mesh.EventPeerUpdated:
		return MutedStyle.Render(fmt.Sprintf("%s is now known as %s", e.PeerID, e.Username))
	case mesh.EventMessage:
		switch p := e.Payload.(type) {
		case protocol.Chat:
			return formatChat(p, SenderStyle)
		case protocol.ScreenState:
			if p.Sharing {
				return MutedStyle.Render(fmt.Sprintf("%s %s started sharing their screen", IconScreen, who))
			}
			return MutedStyle.Render(fmt.Sprintf("%s %s stopped sharing", IconScreen, who))
		}
	case mesh.EventRoomClosed:
		return WarningStyle.Render(fmt.Sprintf("%s room closed (%s)", IconRoom, e.Reason))
	case mesh.EventSessionLost:
		return WarningStyle.Render(fmt.Sprintf("%s lost connection to the signaling server", IconConnect))
	case mesh.EventReconnecting:
		return MutedStyle.Render(fmt.Sprintf("%s reconnecting (attempt %d/%d)", IconReconnect, e.Attempt, e.MaxAttempts))
	case mesh.EventReconnected:
		return SuccessStyle.Render(fmt.Sprintf("%s reconnected", IconReconnect))
	case mesh.EventFailed:
		return FormatError(fmt.Errorf("could not reconnect: %w", e.Err))
	}
	return ""
}

func formatChat(c protocol.Chat, sender lipgloss.Style) string {
	ts := time.UnixMilli(c.Timestamp).Format("15:04")
	return fmt.Sprintf("%s %s %s", MutedStyle.Render(ts), sender.Render(c.Sender+":"), c.Content)
}

func (m *RoomModel) View() string {
	if m.quitting {
		return ""
	}

	names := make([]string, 0, len(m.peers))
	for _, p := range m.peers {
		n := p.Username
		if p.Speaking {
			n += " " + IconSpeaking
		}
		names = append(names, n)
	}
	peers := "alone"
	if len(names) > 0 {
		peers = strings.Join(names, ", ")
	}
	header := HeaderStyle.Render(fmt.Sprintf("%s %s · %s", IconRoom, m.opts.Code, m.opts.Username)) +
		" " + MutedStyle.Render(truncate(peers, 60))

	status := StatusStyle.Render(m.status)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	status += " " + QualityStyle(m.quality).Render(string(m.quality))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.viewport.View(),
		status,
		m.input.View(),
	)
}

// Summary reports the session so far.
func (m *RoomModel) Summary() SessionSummary {
	return SessionSummary{
		Room:      m.opts.Code,
		Duration:  time.Since(m.started),
		PeersSeen: len(m.seen),
		Messages:  m.messages,
		Reconnect: m.reconnect,
	}
}

// RunRoom runs the room screen until the user quits or the session ends.
func RunRoom(opts RoomOptions) (SessionSummary, error) {
	m := NewRoomModel(opts)
	if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
		return m.Summary(), err
	}
	return m.Summary(), nil
}
