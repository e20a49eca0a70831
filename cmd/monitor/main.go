package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	gorilla "github.com/gorilla/websocket"

	"github.com/KevinKickass/MiniDiffCore/internal/api/websocket"
	"github.com/KevinKickass/MiniDiffCore/internal/interfaces"
)

const (
	maxLogs        = 8
	statusInterval = 2 * time.Second
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	boxStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	readyStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("46")).Bold(true)
	busyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("226")).Bold(true)
	faultStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// incoming mirrors websocket.Message with the payload left undecoded.
type incoming struct {
	Type      websocket.MessageType `json:"type"`
	Timestamp time.Time             `json:"timestamp"`
	Source    string                `json:"source"`
	Data      json.RawMessage       `json:"data"`
}

type incomingEvent struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type motorPayload struct {
	Motor    string  `json:"motor"`
	Position float64 `json:"position"`
}

type wsMsg incoming
type closedMsg struct{ err error }
type statusTickMsg time.Time

func readLoop(conn *gorilla.Conn, out chan<- tea.Msg) {
	for {
		var msg incoming
		if err := conn.ReadJSON(&msg); err != nil {
			out <- closedMsg{err: err}
			close(out)
			return
		}
		out <- wsMsg(msg)
	}
}

func waitForMessage(in <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-in
		if !ok {
			return nil
		}
		return msg
	}
}

func statusTick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg { return statusTickMsg(t) })
}

type model struct {
	url      string
	conn     *gorilla.Conn
	in       <-chan tea.Msg
	user     string
	status   interfaces.SystemStatus
	phase    string
	state    string
	motors   map[string]float64
	logs     []string
	closed   error
	width    int
	quitting bool
}

func (m *model) addLog(format string, args ...any) {
	line := time.Now().Format("15:04:05") + " " + fmt.Sprintf(format, args...)
	m.logs = append(m.logs, line)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

func (m *model) send(msgType websocket.MessageType) {
	if m.closed != nil {
		return
	}
	if err := m.conn.WriteJSON(websocket.ClientMessage{Type: msgType}); err != nil {
		m.addLog("send %s failed: %v", msgType, err)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitForMessage(m.in), statusTick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "s":
			m.send(websocket.MessageTypeStatus)
		}
		return m, nil

	case statusTickMsg:
		m.send(websocket.MessageTypeStatus)
		return m, statusTick()

	case closedMsg:
		m.closed = msg.err
		m.addLog("connection closed: %v", msg.err)
		return m, nil

	case wsMsg:
		m.handle(incoming(msg))
		return m, waitForMessage(m.in)
	}

	return m, nil
}

func (m *model) handle(msg incoming) {
	switch msg.Type {
	case websocket.MessageTypeAuthSuccess:
		var data websocket.AuthData
		if err := json.Unmarshal(msg.Data, &data); err == nil {
			m.user = data.Username
			m.addLog("authenticated as %s %v", data.Username, data.Permissions)
		}

	case websocket.MessageTypeSystemStatus:
		var status interfaces.SystemStatus
		if err := json.Unmarshal(msg.Data, &status); err == nil {
			m.status = status
			m.phase = status.Phase
			m.state = status.MinidiffState
		}

	case websocket.MessageTypeError:
		m.addLog("server error: %s", msg.Data)

	case websocket.MessageTypeEvent:
		var ev incomingEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		m.handleEvent(msg.Source, ev)
	}
}

func (m *model) handleEvent(source string, ev incomingEvent) {
	switch {
	case strings.HasSuffix(ev.Kind, "MotorMoved"):
		var p motorPayload
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			m.motors[p.Motor] = p.Position
		}
		return

	case ev.Kind == "minidiffPhaseChanged":
		var p struct {
			Phase string `json:"phase"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			m.phase = p.Phase
		}

	case ev.Kind == "minidiffStateChanged":
		var p struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err == nil {
			m.state = p.State
		}
	}

	m.addLog("%s/%s %s", source, ev.Kind, ev.Payload)
}

func stateStyle(state string) lipgloss.Style {
	switch strings.ToUpper(state) {
	case "READY", "ON":
		return readyStyle
	case "MOVING", "BUSY", "RUNNING":
		return busyStyle
	default:
		return faultStyle
	}
}

func (m model) View() string {
	if m.quitting {
		return "Monitor stopped.\n"
	}

	var sb strings.Builder

	sb.WriteString(titleStyle.Render("MiniDiff Monitor"))
	sb.WriteString(statusStyle.Render("  " + m.url))
	if m.user != "" {
		sb.WriteString(statusStyle.Render("  as " + m.user))
	}
	sb.WriteString("\n\n")

	summary := fmt.Sprintf("%s %s\n%s %s\n%s %s\n%s %s\n%s %d/%d",
		labelStyle.Render("system  "), stateStyle(m.status.State).Render(orDash(m.status.State)),
		labelStyle.Render("instr.  "), orDash(m.status.Instrument),
		labelStyle.Render("phase   "), orDash(m.phase),
		labelStyle.Render("state   "), stateStyle(m.state).Render(orDash(m.state)),
		labelStyle.Render("devices "), m.status.ConnectedDevices, m.status.DeviceCount)
	if m.status.CentringActive {
		summary += "\n" + busyStyle.Render("centring in progress")
	}

	names := make([]string, 0, len(m.motors))
	for name := range m.motors {
		names = append(names, name)
	}
	sort.Strings(names)

	var motors strings.Builder
	motors.WriteString(labelStyle.Render("axis        position"))
	for _, name := range names {
		motors.WriteString(fmt.Sprintf("\n%-10s %10.4f", name, m.motors[name]))
	}

	sb.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		boxStyle.Render(summary),
		boxStyle.Render(motors.String())))
	sb.WriteString("\n")

	logBox := boxStyle
	if m.width > 4 {
		logBox = logBox.Width(m.width - 4)
	}
	logLines := statusStyle.Render("Waiting for events. Press 's' for status, 'q' to quit")
	if len(m.logs) > 0 {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logBox.Render(logLines))
	sb.WriteString("\n")

	if m.closed != nil {
		sb.WriteString(faultStyle.Render("disconnected"))
		sb.WriteString("\n")
	}

	return sb.String()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/api/v1/ws/live", "Live websocket endpoint")
		token = flag.String("token", os.Getenv("MDC_TOKEN"), "Access token, required when the server enforces auth")
	)
	flag.Parse()

	conn, _, err := gorilla.DefaultDialer.Dial(*url, http.Header{})
	if err != nil {
		log.Fatalf("Failed to connect to %s: %v", *url, err)
	}
	defer conn.Close()

	if *token != "" {
		auth := websocket.ClientMessage{Type: websocket.MessageTypeAuth, Token: *token}
		if err := conn.WriteJSON(auth); err != nil {
			log.Fatalf("Failed to authenticate: %v", err)
		}
	}

	in := make(chan tea.Msg, 64)
	go readLoop(conn, in)

	m := model{
		url:    *url,
		conn:   conn,
		in:     in,
		motors: make(map[string]float64),
	}

	p := tea.NewProgram(m, tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		log.Fatalf("Error running program: %v", err)
	}
}
