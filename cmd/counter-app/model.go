package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ggoodman/mcp-apps-go/mcp"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true)
	valueStyle  = lipgloss.NewStyle().Bold(true).Padding(1, 4).Border(lipgloss.RoundedBorder())
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("160"))
)

const callTimeout = 10 * time.Second

// toolCaller is the part of the app session the view needs.
type toolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

type keyMap struct {
	Inc   key.Binding
	Dec   key.Binding
	Reset key.Binding
	Quit  key.Binding
}

func (k keyMap) ShortHelp() []key.Binding { return []key.Binding{k.Inc, k.Dec, k.Reset, k.Quit} }

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

func defaultKeys() keyMap {
	return keyMap{
		Inc:   key.NewBinding(key.WithKeys("+", "="), key.WithHelp("+", "increment")),
		Dec:   key.NewBinding(key.WithKeys("-", "_"), key.WithHelp("-", "decrement")),
		Reset: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "reset")),
		Quit:  key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// Messages fed into the program by the session handlers and commands.
type (
	connectedMsg struct {
		caller toolCaller
		host   mcp.ImplementationInfo
		hc     mcp.HostContext
		err    error
	}
	toolResultMsg    struct{ res *mcp.CallToolResult }
	toolCancelledMsg struct{ reason string }
	hostContextMsg   struct{ hc mcp.HostContext }
	teardownMsg      struct{ reason string }
	sessionErrMsg    struct{ err error }
	callDoneMsg      struct {
		tool  string
		delta int64
		reset bool
		res   *mcp.CallToolResult
		err   error
	}
)

// model renders the counter. Local edits are applied optimistically: value is
// the last confirmed value plus the deltas of calls still in flight, so a
// failed call drops out of the sum and its edit is reverted.
type model struct {
	ctx     context.Context
	connect tea.Cmd
	caller  toolCaller

	confirmed    int64
	known        bool
	pendingDelta int64
	pending      int
	resetPending bool

	host    mcp.ImplementationInfo
	hc      mcp.HostContext
	status  string
	lastErr string

	keys    keyMap
	help    help.Model
	spinner spinner.Model
}

func newModel(ctx context.Context, connect tea.Cmd) model {
	return model{
		ctx:     ctx,
		connect: connect,
		status:  "connecting",
		keys:    defaultKeys(),
		help:    help.New(),
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.connect)
}

func (m model) value() int64 {
	if m.resetPending {
		return m.pendingDelta
	}
	return m.confirmed + m.pendingDelta
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case connectedMsg:
		if msg.err != nil {
			m.status = "disconnected"
			m.lastErr = msg.err.Error()
			return m, nil
		}
		m.caller, m.host, m.hc = msg.caller, msg.host, msg.hc
		m.status = "connected"
		return m, nil

	case toolResultMsg:
		if v, ok := resultValue(msg.res); ok && m.pending == 0 {
			m.confirmed, m.known = v, true
		}
		return m, nil

	case toolCancelledMsg:
		m.lastErr = "tool cancelled: " + msg.reason
		return m, nil

	case hostContextMsg:
		m.hc = msg.hc
		return m, nil

	case sessionErrMsg:
		m.lastErr = msg.err.Error()
		return m, nil

	case teardownMsg:
		m.status = "closed: " + msg.reason
		return m, tea.Quit

	case callDoneMsg:
		m.pending--
		if msg.reset {
			m.resetPending = false
		} else {
			m.pendingDelta -= msg.delta
		}
		if msg.err != nil {
			m.lastErr = fmt.Sprintf("%s failed: %v", msg.tool, msg.err)
			return m, nil
		}
		if v, ok := resultValue(msg.res); ok {
			m.confirmed, m.known = v, true
		}
		m.lastErr = ""
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case m.caller == nil:
		return m, nil
	case key.Matches(msg, m.keys.Inc):
		return m.apply("increment-counter", 1)
	case key.Matches(msg, m.keys.Dec):
		return m.apply("decrement-counter", -1)
	case key.Matches(msg, m.keys.Reset):
		// Only optimistic when nothing else is in flight.
		m.resetPending = m.pending == 0
		m.pending++
		return m, m.call("reset-counter", nil, 0, true)
	}
	return m, nil
}

func (m model) apply(tool string, delta int64) (tea.Model, tea.Cmd) {
	m.pending++
	m.pendingDelta += delta
	return m, m.call(tool, map[string]any{"amount": 1}, delta, false)
}

func (m model) call(tool string, args map[string]any, delta int64, reset bool) tea.Cmd {
	caller, parent := m.caller, m.ctx
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(parent, callTimeout)
		defer cancel()
		res, err := caller.CallTool(ctx, tool, args)
		return callDoneMsg{tool: tool, delta: delta, reset: reset, res: res, err: err}
	}
}

// resultValue reads the counter from a tool result's structured content.
func resultValue(res *mcp.CallToolResult) (int64, bool) {
	if res == nil || res.IsError {
		return 0, false
	}
	v, ok := res.StructuredContent["value"].(float64)
	return int64(v), ok
}

func (m model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("MCP Apps counter"))
	if m.host.Name != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  host %s %s", m.host.Name, m.host.Version)))
	}
	b.WriteString("\n\n")

	switch {
	case m.caller == nil && m.lastErr == "":
		b.WriteString(m.spinner.View() + " connecting…\n")
	case !m.known && m.pending == 0:
		b.WriteString(valueStyle.Render("–") + "\n")
	default:
		label := fmt.Sprintf("%d", m.value())
		if m.pending > 0 {
			label += " " + m.spinner.View()
		}
		b.WriteString(valueStyle.Render(label) + "\n")
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("status: %s", m.status)))
	if m.hc.Theme != "" || m.hc.DisplayMode != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  theme: %s  mode: %s", m.hc.Theme, m.hc.DisplayMode)))
	}
	b.WriteString("\n")
	if m.lastErr != "" {
		b.WriteString(errStyle.Render(m.lastErr) + "\n")
	}
	b.WriteString("\n" + m.help.View(m.keys) + "\n")
	return b.String()
}
