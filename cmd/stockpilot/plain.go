package main

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/fatih/color"

	"github.com/stockpilot/realtime/internal/protocol"
	"github.com/stockpilot/realtime/internal/realtime"
)

// linePrinter writes one colored line per channel event for `watch --plain`.
type linePrinter struct {
	mu  sync.Mutex
	out io.Writer
	now func() time.Time

	stamp    func(a ...any) string
	ok       func(a ...any) string
	warn     func(a ...any) string
	critical func(a ...any) string
	info     func(a ...any) string
}

func newLinePrinter(out io.Writer) *linePrinter {
	return &linePrinter{
		out:      out,
		now:      time.Now,
		stamp:    color.New(color.Faint).SprintFunc(),
		ok:       color.New(color.FgGreen).SprintFunc(),
		warn:     color.New(color.FgYellow).SprintFunc(),
		critical: color.New(color.FgRed, color.Bold).SprintFunc(),
		info:     color.New(color.FgCyan).SprintFunc(),
	}
}

func (p *linePrinter) println(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.out, "%s %s\n", p.stamp(p.now().Format("15:04:05")), fmt.Sprintf(format, args...))
}

// attach prints every event the dispatcher routes and every state change.
func (p *linePrinter) attach(m *realtime.Manager) {
	d := m.Dispatcher()
	d.OnStockUpdate(func(u protocol.StockUpdatePayload) error {
		p.println("%s", p.stockLine(u))
		return nil
	})
	d.OnAlert(func(a protocol.AlertPayload) error {
		p.println("%s", p.alertLine(a))
		return nil
	})
	d.OnNotification(func(n protocol.NotificationPayload) error {
		p.println("%s %s", p.info(n.Title), n.Message)
		return nil
	})
	d.OnDashboardUpdate(func(protocol.DashboardUpdatePayload) error {
		p.println("%s", p.stamp("dashboard changed"))
		return nil
	})
	m.OnStateChange(func(st realtime.Status) {
		p.println("%s", p.stateLine(st))
	})
}

func (p *linePrinter) stockLine(u protocol.StockUpdatePayload) string {
	qty := "?"
	if u.NewQuantity != nil {
		qty = fmt.Sprint(*u.NewQuantity)
	}
	if u.PreviousQuantity != nil {
		qty = fmt.Sprintf("%d -> %s", *u.PreviousQuantity, qty)
	}
	line := fmt.Sprintf("%s %s %s", p.ok(u.Type), u.ItemName, qty)
	if u.IsScoped() {
		line += p.stamp(" (subscribed)")
	}
	if u.UserName != "" {
		line += p.stamp(" by " + u.UserName)
	}
	return line
}

func (p *linePrinter) alertLine(a protocol.AlertPayload) string {
	label := p.warn("ALERT")
	if a.IsCritical() || a.Severity == protocol.SeverityCritical {
		label = p.critical("CRITICAL")
	}
	return fmt.Sprintf("%s %s: %s", label, a.ItemName, a.Message)
}

func (p *linePrinter) stateLine(st realtime.Status) string {
	switch st.State {
	case realtime.StateConnected:
		return p.ok("connected") + p.stamp(" via "+st.Transport)
	case realtime.StateReconnecting:
		return p.warn(fmt.Sprintf("reconnecting (attempt %d)", st.Attempt)) + errSuffix(st.Error)
	case realtime.StateConnecting:
		return p.warn("connecting")
	default:
		return p.critical("disconnected") + errSuffix(st.Error)
	}
}

func errSuffix(msg string) string {
	if msg == "" {
		return ""
	}
	return ": " + msg
}
