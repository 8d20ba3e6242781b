// coapwatch runs a loopback client/server pair over an in-memory
// switch with a chaos link in between and visualizes sessions,
// exchanges and engine events live. It exists to watch the
// retransmission and dedup machinery react to loss.
package main

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/pflag"

	"github.com/juanpablocruz/coapen/pkg/engine"
	"github.com/juanpablocruz/coapen/pkg/message"
	"github.com/juanpablocruz/coapen/pkg/session"
	"github.com/juanpablocruz/coapen/pkg/transport"
)

const maxEventLines = 500

func main() {
	var (
		interval = pflag.Duration("interval", 1*time.Second, "time between probe requests")
		loss     = pflag.Float64("loss", 0.2, "initial drop probability [0..1]")
		dup      = pflag.Float64("dup", 0.0, "initial duplication probability [0..1]")
		delay    = pflag.Duration("delay", 20*time.Millisecond, "base one-way delay")
	)
	pflag.Parse()

	sim, err := newSim(*interval, transport.ChaosConfig{
		Loss:      *loss,
		Dup:       *dup,
		BaseDelay: *delay,
	})
	if err != nil {
		log.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sim.start(ctx)

	p := tea.NewProgram(initialModel(sim))
	if _, err := p.Run(); err != nil {
		log.Fatal(err)
	}
}

// ----------------------------------------------------------------------------
// Loopback simulation
// ----------------------------------------------------------------------------

type sim struct {
	interval time.Duration
	client   *engine.Engine
	server   *engine.Engine
	chaos    *transport.ChaosBinding

	mu        sync.Mutex
	lines     []string
	rowsProbe []table.Row
	rowsSrv   []table.Row
	paused    bool
	loss      float64
	dup       float64
	up        bool
}

// echoServer answers GET /time with the wall clock.
type echoServer struct{}

func (echoServer) OnRequest(s *session.Session, ex *session.Exchange, m message.Message) {
	resp := message.Message{
		Code:    message.Content,
		Payload: []byte(time.Now().Format("15:04:05.000")),
	}
	_ = s.Reply(time.Now(), ex, resp)
}

func (echoServer) OnResponse(ex *session.Exchange, m message.Message) {}
func (echoServer) OnExchangeFailed(ex *session.Exchange, err error)   {}

// quietHandler drops outcomes; the event stream carries them instead.
type quietHandler struct{}

func (quietHandler) OnRequest(s *session.Session, ex *session.Exchange, m message.Message) {}
func (quietHandler) OnResponse(ex *session.Exchange, m message.Message)                    {}
func (quietHandler) OnExchangeFailed(ex *session.Exchange, err error)                      {}

func newSim(interval time.Duration, chaos transport.ChaosConfig) (*sim, error) {
	sw := transport.NewSwitch()
	cb, err := sw.Listen("probe")
	if err != nil {
		return nil, err
	}
	sb, err := sw.Listen("srv")
	if err != nil {
		return nil, err
	}

	wrapped := transport.WrapChaos(cb, chaos)
	client := engine.New(engine.DefaultConfig(), quietHandler{})
	client.AddBinding(wrapped)
	server := engine.New(engine.DefaultConfig(), echoServer{})
	server.AddBinding(sb)

	return &sim{
		interval: interval,
		client:   client,
		server:   server,
		chaos:    wrapped,
		loss:     chaos.Loss,
		dup:      chaos.Dup,
		up:       true,
	}, nil
}

func (s *sim) start(ctx context.Context) {
	go s.client.Run(ctx)
	go s.server.Run(ctx)
	go s.collect(ctx, "probe", s.client.Events())
	go s.collect(ctx, "srv", s.server.Events())
	go s.probeLoop(ctx)
	go s.pollSessions(ctx)
}

func (s *sim) probeLoop(ctx context.Context) {
	t := time.NewTicker(s.interval)
	defer t.Stop()
	req := message.Message{Type: message.Confirmable, Code: message.GET}
	if err := req.Options.SetPath("/time"); err != nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.mu.Lock()
			paused := s.paused
			s.mu.Unlock()
			if paused {
				continue
			}
			// session state belongs to the run loop; sends go
			// through it
			s.client.Post(func(now time.Time) {
				if _, err := s.client.Send(now, "srv", transport.Mem, req); err != nil {
					s.log(fmt.Sprintf("send: %v", err))
				}
			})
		}
	}
}

func (s *sim) collect(ctx context.Context, side string, events <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			line := fmt.Sprintf("%s  %-5s %-16s peer=%s", ev.Time.Format("15:04:05.000"), side, ev.Type, ev.Peer)
			if len(ev.Fields) > 0 {
				parts := make([]string, 0, len(ev.Fields))
				for k, v := range ev.Fields {
					parts = append(parts, fmt.Sprintf("%s=%v", k, v))
				}
				line += "  " + strings.Join(parts, " ")
			}
			s.log(line)
		}
	}
}

// pollSessions snapshots session rows from inside each run loop, where
// reading session state is safe.
func (s *sim) pollSessions(ctx context.Context) {
	t := time.NewTicker(200 * time.Millisecond)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.client.Post(func(time.Time) {
				rows := describeSessions("probe", s.client)
				s.mu.Lock()
				s.rowsProbe = rows
				s.mu.Unlock()
			})
			s.server.Post(func(time.Time) {
				rows := describeSessions("srv", s.server)
				s.mu.Lock()
				s.rowsSrv = rows
				s.mu.Unlock()
			})
		}
	}
}

func describeSessions(side string, e *engine.Engine) []table.Row {
	rows := make([]table.Row, 0, 2)
	for _, sess := range e.Sessions() {
		rows = append(rows, table.Row{
			side,
			string(sess.Peer()),
			sess.Kind().String(),
			sess.State().String(),
			fmt.Sprintf("%d", sess.OpenExchanges()),
			fmt.Sprintf("%d", sess.PendingReliable()),
		})
	}
	return rows
}

func (s *sim) sessionRows() []table.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := make([]table.Row, 0, len(s.rowsProbe)+len(s.rowsSrv))
	rows = append(rows, s.rowsProbe...)
	rows = append(rows, s.rowsSrv...)
	return rows
}

func (s *sim) log(line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, line)
	if len(s.lines) > maxEventLines {
		s.lines = s.lines[len(s.lines)-maxEventLines:]
	}
}

func (s *sim) eventLines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	copy(out, s.lines)
	return out
}

func (s *sim) toggleLoss() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loss > 0 {
		s.loss = 0
	} else {
		s.loss = 0.3
	}
	s.chaos.SetLoss(s.loss)
	return s.loss
}

func (s *sim) toggleDup() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dup > 0 {
		s.dup = 0
	} else {
		s.dup = 0.3
	}
	s.chaos.SetDup(s.dup)
	return s.dup
}

func (s *sim) toggleLink() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.up = !s.up
	s.chaos.SetUp(s.up)
	return s.up
}

func (s *sim) togglePause() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paused = !s.paused
	return s.paused
}

func (s *sim) snapshot() (loss, dup float64, up, paused bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loss, s.dup, s.up, s.paused
}

// ----------------------------------------------------------------------------
// TUI
// ----------------------------------------------------------------------------

type tickMsg time.Time

type watchModel struct {
	sim *sim

	sessions table.Model
	events   viewport.Model

	width  int
	height int
}

func initialModel(s *sim) watchModel {
	columns := []table.Column{
		{Title: "Side", Width: 6},
		{Title: "Peer", Width: 14},
		{Title: "Transport", Width: 9},
		{Title: "State", Width: 12},
		{Title: "Exchanges", Width: 9},
		{Title: "Pending", Width: 7},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(4),
	)
	st := table.DefaultStyles()
	st.Header = st.Header.
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	st.Selected = st.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(st)

	vp := viewport.New(100, 16)

	return watchModel{
		sim:      s,
		sessions: t,
		events:   vp,
		width:    120,
		height:   32,
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		tea.EnterAltScreen,
		tea.SetWindowTitle("coapwatch"),
		tick(),
	)
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		case "l":
			m.sim.toggleLoss()
		case "d":
			m.sim.toggleDup()
		case "x":
			m.sim.toggleLink()
		case "p":
			m.sim.togglePause()
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.events.Width = m.width - 4
		m.events.Height = max(6, m.height-14)
	case tickMsg:
		m.refresh()
		return m, tick()
	}

	m.sessions, cmd = m.sessions.Update(msg)
	return m, cmd
}

func (m *watchModel) refresh() {
	m.sessions.SetRows(m.sim.sessionRows())

	atBottom := m.events.AtBottom()
	m.events.SetContent(strings.Join(m.sim.eventLines(), "\n"))
	if atBottom {
		m.events.GotoBottom()
	}
}

func (m watchModel) View() string {
	loss, dup, up, paused := m.sim.snapshot()

	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("63")).
		Render("coapwatch") +
		lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Render(fmt.Sprintf("  %s", time.Now().Format("15:04:05")))

	link := "UP"
	linkColor := lipgloss.Color("10")
	if !up {
		link = "DOWN"
		linkColor = lipgloss.Color("9")
	}
	status := lipgloss.NewStyle().Foreground(linkColor).Bold(true).Render("link "+link) +
		lipgloss.NewStyle().Foreground(lipgloss.Color("240")).
			Render(fmt.Sprintf("  loss=%.0f%% dup=%.0f%% paused=%v", loss*100, dup*100, paused))

	cs := m.sim.client.Stats()
	ss := m.sim.server.Stats()
	counters := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Render(
		fmt.Sprintf("probe: responses=%d failed=%d   srv: requests=%d frames=%d",
			cs.ResponsesIn, cs.ExchangesFailed, ss.RequestsIn, ss.FramesIn))

	panel := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62"))

	help := lipgloss.NewStyle().Foreground(lipgloss.Color("240")).
		Render("[l]oss  [d]up  [x] link up/down  [p]ause  [q]uit")

	return header + "\n" + status + "\n" + counters + "\n\n" +
		panel.Render(lipgloss.NewStyle().Bold(true).Render("Sessions")+"\n"+m.sessions.View()) + "\n" +
		panel.Render(lipgloss.NewStyle().Bold(true).Render("Events")+"\n"+m.events.View()) + "\n" +
		help
}
