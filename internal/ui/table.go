package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/BioHazard786/Huddle/internal/latency"
	"github.com/BioHazard786/Huddle/internal/mesh"
)

func styledTable(headers []string, rows [][]string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(Primary)).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return TableHeaderStyle
			case row%2 == 0:
				return TableRowStyle
			default:
				return TableRowAltStyle
			}
		})
}

// PeerTable renders the mesh as one row per remote participant.
type PeerTable struct {
	peers []mesh.PeerInfo
}

func NewPeerTable(peers []mesh.PeerInfo) *PeerTable {
	return &PeerTable{peers: peers}
}

func (t *PeerTable) View() string {
	if len(t.peers) == 0 {
		return MutedStyle.Render("Nobody else is here yet")
	}

	rows := make([][]string, 0, len(t.peers))
	for _, p := range t.peers {
		name := truncate(p.Username, 20)
		if name == "" {
			name = truncate(p.ID, 20)
		}
		var flags string
		if p.Speaking {
			flags += IconSpeaking
		}
		if p.Sharing {
			flags += IconScreen
		}
		rows = append(rows, []string{name, p.State.String(), FormatLatency(p.Latency, p.HasLatency), flags})
	}
	return styledTable([]string{"Peer", "State", "Latency", ""}, rows).Render()
}

// FormatLatency shows a one-way latency sample with its quality class.
func FormatLatency(d time.Duration, ok bool) string {
	if !ok {
		return "–"
	}
	q := latency.Classify(d)
	return QualityStyle(q).Render(fmt.Sprintf("%dms %s", d.Milliseconds(), q))
}

type RoomInfo struct {
	Code string
	Link string
	Host bool
}

func NewRoomInfo(code, link string, host bool) *RoomInfo {
	return &RoomInfo{Code: code, Link: link, Host: host}
}

func (r *RoomInfo) View() string {
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.DoubleBorder()).
		BorderForeground(Success).
		Padding(1, 2)

	title := "Joined Room"
	if r.Host {
		title = "Room Created!"
	}
	content := fmt.Sprintf("%s %s\n\n%s Room Code:  %s\n%s Room Link:  %s",
		IconSuccess, title,
		IconCopy, BoldStyle.Foreground(Primary).Render(r.Code),
		IconWeb, MutedStyle.Render(r.Link),
	)
	return boxStyle.Render(content)
}

// SessionSummary is printed after leaving a room.
type SessionSummary struct {
	Room      string
	Duration  time.Duration
	PeersSeen int
	Messages  int
	Reconnect int
}

func SessionSummaryView(s SessionSummary) string {
	rows := [][]string{
		{"Room", s.Room},
		{"Duration", FormatDuration(s.Duration)},
		{"Peers seen", fmt.Sprintf("%d", s.PeersSeen)},
		{"Messages", fmt.Sprintf("%d", s.Messages)},
		{"Reconnects", fmt.Sprintf("%d", s.Reconnect)},
	}
	return styledTable([]string{"Metric", "Value"}, rows).Render()
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
