package tui

import (
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/harmonica"

	"github.com/stockpilot/realtime/internal/inventory"
)

const (
	gaugeFPS   = 30
	gaugeWidth = 24
)

// frameMsg advances gauge animations by one frame.
type frameMsg time.Time

func frame() tea.Cmd {
	return tea.Tick(time.Second/gaugeFPS, func(t time.Time) tea.Msg { return frameMsg(t) })
}

// gauge eases a displayed fraction toward its target on a spring, so a
// burst of stock movements reads as motion instead of flicker.
type gauge struct {
	spring harmonica.Spring
	pos    float64
	vel    float64
	target float64
}

func newGauge() gauge {
	return gauge{spring: harmonica.NewSpring(harmonica.FPS(gaugeFPS), 6.0, 0.8)}
}

// retarget sets the fraction to ease toward and reports whether the gauge
// now needs frames.
func (g *gauge) retarget(to float64) bool {
	g.target = min(max(to, 0), 1)
	return !g.settled()
}

// step advances one frame and reports whether more frames are needed.
func (g *gauge) step() bool {
	g.pos, g.vel = g.spring.Update(g.pos, g.vel, g.target)
	if g.settled() {
		g.pos, g.vel = g.target, 0
		return false
	}
	return true
}

func (g gauge) settled() bool {
	return math.Abs(g.pos-g.target) < 0.002 && math.Abs(g.vel) < 0.002
}

func (g gauge) render(width int) string {
	filled := int(math.Round(min(max(g.pos, 0), 1) * float64(width)))
	return strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
}

// stockHealth is the share of items neither low nor out of stock.
func stockHealth(sum inventory.Summary) float64 {
	if sum.TotalItems == 0 {
		return 0
	}
	ok := sum.TotalItems - sum.LowStockCount - sum.OutOfStockCount
	return float64(ok) / float64(sum.TotalItems)
}
