// Package cli renders the training progress on the terminal: a single progress line updated in place,
// and a table with the loss breakdown at every checkpoint.
package cli

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/styletransfer/internal/generics"
	"github.com/janpfeifer/styletransfer/internal/trainer"
	"golang.org/x/term"
	"io"
	"os"
	"strings"
	"time"
)

// AverageLossDecay is the decay of the moving average of the loss displayed in the progress line.
const AverageLossDecay = float32(0.95)

// IsTerminal returns whether os.Stdout is a terminal.
func IsTerminal() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// TerminalWidth returns the width of the terminal, or 80 if os.Stdout is not a terminal.
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// MovingAverage of a value, with a decay limited by the number of values seen so far,
// so the first values are not biased towards 0.
func MovingAverage(average, newValue, decay float32, count int) float32 {
	decay = min(1-1/float32(count), decay)
	return average*decay + (1-decay)*newValue
}

// Progress line of the training, rewritten in place with "\r" on every update.
type Progress struct {
	w           io.Writer
	start       time.Time
	numSteps    int
	averageLoss float32
	inPlace     bool
}

// NewProgress creates a Progress writing to w. If inPlace is false, each update is printed in a new
// line, which is better when the output is not a terminal.
func NewProgress(w io.Writer, inPlace bool) *Progress {
	return &Progress{w: w, start: time.Now(), inPlace: inPlace}
}

// Update the progress line with the loss of the last training step. It matches trainer.ProgressFn.
func (p *Progress) Update(epoch, iteration int, loss float32) {
	p.numSteps++
	p.averageLoss = MovingAverage(p.averageLoss, loss, AverageLossDecay, p.numSteps)
	elapsed := time.Since(p.start).Round(time.Second)
	line := fmt.Sprintf("Epoch %d, iteration %d: ~loss=%.4g, elapsed=%s", epoch, iteration, p.averageLoss, elapsed)
	if p.inPlace {
		_, _ = fmt.Fprintf(p.w, "\r%s\x1b[0K", line)
	} else {
		_, _ = fmt.Fprintln(p.w, line)
	}
}

// AverageLoss returns the current moving average of the loss.
func (p *Progress) AverageLoss() float32 { return p.averageLoss }

// Break the progress line, so the following output starts in a new line.
func (p *Progress) Break() {
	if p.inPlace && p.numSteps > 0 {
		_, _ = fmt.Fprintln(p.w)
	}
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Background(lipgloss.Color("13")).
			Foreground(lipgloss.Color("0")).
			Padding(0, 1)
	nameStyle  = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("12"))
	valueStyle = lipgloss.NewStyle().Width(12).Align(lipgloss.Right)
	totalStyle = valueStyle.Bold(true)
	boxStyle   = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("13")).
			Padding(0, 1)
)

// RenderLosses renders the loss breakdown of a checkpoint as a table. The total is listed last.
func RenderLosses(iteration int, losses trainer.Losses) string {
	var rows []string
	rows = append(rows, titleStyle.Render(fmt.Sprintf("Checkpoint at iteration %d", iteration)))
	for name, value := range generics.SortedKeysAndValues(losses) {
		if name == trainer.LossTotal {
			continue
		}
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			nameStyle.Render(name), valueStyle.Render(fmt.Sprintf("%.4g", value))))
	}
	if total, found := losses[trainer.LossTotal]; found {
		rows = append(rows, lipgloss.JoinHorizontal(lipgloss.Top,
			nameStyle.Bold(true).Render(trainer.LossTotal), totalStyle.Render(fmt.Sprintf("%.4g", total))))
	}
	return boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
}

// PrintCentered prints the block of text centered in the terminal.
func PrintCentered(w io.Writer, block string) {
	printCentered(w, block, TerminalWidth())
}

// printCentered indents every line of block by the same amount, to center the block in width
// cells. The block width is measured in terminal cells, ignoring color sequences.
func printCentered(w io.Writer, block string, width int) {
	lines := strings.Split(block, "\n")
	indent := max((width-lipgloss.Width(block))/2, 0)
	for _, line := range lines {
		if len(line) == 0 {
			_, _ = fmt.Fprintln(w)
			continue
		}
		_, _ = fmt.Fprintf(w, "%s%s\n", strings.Repeat(" ", indent), line)
	}
}
