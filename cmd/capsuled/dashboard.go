package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-capsule/capability"
	"github.com/wippyai/wasm-capsule/capsule"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	idleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFB86C"))

	ledOnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B")).
			Bold(true)

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

const refreshInterval = 250 * time.Millisecond

// logRing keeps the last lines written by the daemon logger.
type logRing struct {
	mu    sync.Mutex
	limit int
	lines []string
}

func newLogRing(limit int) *logRing {
	return &logRing{limit: limit}
}

func (r *logRing) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		r.lines = append(r.lines, line)
	}
	if len(r.lines) > r.limit {
		r.lines = r.lines[len(r.lines)-r.limit:]
	}
	return len(p), nil
}

func (r *logRing) tail(n int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.lines) < n {
		n = len(r.lines)
	}
	return append([]string(nil), r.lines[len(r.lines)-n:]...)
}

type dashboard struct {
	mgr     *capsule.Manager
	led     *capability.SimLED
	button  *capability.SimButton
	ble     *capability.BLE
	logs    *logRing
	spinner spinner.Model
	quit    context.CancelFunc

	status  capsule.Status
	output  []string
	pressed bool
	notice  string
}

type refreshMsg time.Time

func newDashboard(m *capsule.Manager, led *capability.SimLED, button *capability.SimButton, ble *capability.BLE, logs *logRing, quit context.CancelFunc) *dashboard {
	return &dashboard{
		mgr:     m,
		led:     led,
		button:  button,
		ble:     ble,
		logs:    logs,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
		quit:    quit,
	}
}

func refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return refreshMsg(t) })
}

func (d *dashboard) Init() tea.Cmd {
	return tea.Batch(d.spinner.Tick, refresh())
}

func (d *dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			d.quit()
			return d, tea.Quit

		case "b":
			d.pressed = !d.pressed
			if d.pressed {
				d.button.Press()
				d.notice = "button pressed"
			} else {
				d.button.Release()
				d.notice = "button released"
			}

		case "a":
			var adv capability.Advertisement
			for i := range adv.Addr {
				adv.Addr[i] = byte(rand.IntN(256))
			}
			if d.ble.Report(adv) {
				d.notice = "advertisement " + adv.String()
			} else {
				d.notice = "advertisement queue full"
			}

		case "x":
			go d.mgr.Stop(context.Background())
			d.notice = "stopping capsule"
		}

	case refreshMsg:
		d.status = d.mgr.Status()
		if h := d.mgr.Host(); h != nil {
			d.output = h.Log.Recent()
		}
		return d, refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		d.spinner, cmd = d.spinner.Update(msg)
		return d, cmd
	}
	return d, nil
}

func (d *dashboard) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Capsule Host"))
	b.WriteString("\n\n")

	st := d.status
	if st.State == capsule.StateRunning {
		b.WriteString(d.spinner.View() + runningStyle.Render(" running "))
		fmt.Fprintf(&b, "%s (%s, generation %d)\n", st.Instance, st.Provenance, st.Generation)
		fmt.Fprintf(&b, "%s %d  %s %d\n", labelStyle.Render("fuel used"), st.FuelConsumed, labelStyle.Render("yields"), st.Yields)
		if len(st.Paths) > 0 {
			fmt.Fprintf(&b, "%s %s\n", labelStyle.Render("resources"), strings.Join(st.Paths, " "))
		}
	} else {
		b.WriteString(idleStyle.Render("  waiting for a transfer") + "\n")
	}
	fmt.Fprintf(&b, "%s %d / %d bytes\n", labelStyle.Render("program"), st.ProgramLen, st.ProgramCap)

	on, toggles := d.led.On()
	led := "off"
	if on {
		led = ledOnStyle.Render("ON")
	}
	button := "high"
	if d.pressed {
		button = "low"
	}
	fmt.Fprintf(&b, "%s %s (%d toggles)  %s %s  %s %d dropped\n\n",
		labelStyle.Render("led"), led, toggles,
		labelStyle.Render("button"), button,
		labelStyle.Render("ble"), d.ble.Dropped())

	b.WriteString(labelStyle.Render("capsule output") + "\n")
	for _, line := range tail(d.output, 8) {
		b.WriteString(outputStyle.Render("  "+line) + "\n")
	}
	b.WriteString("\n" + labelStyle.Render("log") + "\n")
	for _, line := range d.logs.tail(10) {
		b.WriteString("  " + line + "\n")
	}

	if d.notice != "" {
		b.WriteString("\n" + d.notice + "\n")
	}
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("b button • a advertisement • x stop capsule • q quit"))
	return b.String()
}

func tail(lines []string, n int) []string {
	if len(lines) > n {
		return lines[len(lines)-n:]
	}
	return lines
}

func runDashboard(ctx context.Context, d *dashboard) error {
	p := tea.NewProgram(d, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
