// Package spinning provides a friendly spinning clock (or some other spinning symbols)
// to use while the program is busy, e.g. compiling the training graphs, and the handling
// of interrupts (Ctrl+C).
package spinning

import (
	"context"
	"fmt"
	"k8s.io/klog/v2"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Spinning display, created with New and stopped with Done.
type Spinning struct {
	wg     sync.WaitGroup
	cancel func()
	start  time.Time
}

var (
	ThemeAscii = []rune("|/-\\")
	ThemeMoon  = []rune("ğŸŒ‘ğŸŒ’ğŸŒ“ğŸŒ”ğŸŒ•ğŸŒ–ğŸŒ—ğŸŒ˜")
	ThemeClock = []rune("ğŸ•ğŸ•‘ğŸ•’ğŸ•“ğŸ•”ğŸ••ğŸ•–ğŸ•—ğŸ•˜ğŸ•™ğŸ•šğŸ•›")

	// Theme defaults to ThemeClock, but it can be set to anything else.
	Theme       = ThemeClock
	spinningIdx int
	themeLen    = len(Theme)
)

// SafeInterrupt will capture SigInt (Ctrl+C) and SigTerm and call the provided onInterrupt.
// If the program haven't exited after gracePeriod, it will call Reset to reset the terminal
// and exit.
func SafeInterrupt(onInterrupt func(), gracePeriod time.Duration) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigChan
		fmt.Println()
		klog.Errorf("Got interrupted (signal %q), shutting down... (%s)", s, gracePeriod)
		if onInterrupt != nil {
			go onInterrupt()
		}

		// Wait for gracePeriod before exiting.
		time.Sleep(gracePeriod)
		Reset()
		klog.Fatalf("Graceful shutting down %s period expired, exiting.", gracePeriod)
	}()
}

// WithInterrupt returns a context that is cancelled on the first SigInt (Ctrl+C) or SigTerm, giving
// the program gracePeriod to finish cleanly (e.g. save a last checkpoint) before it is forcefully
// terminated. See SafeInterrupt.
func WithInterrupt(ctx context.Context, gracePeriod time.Duration) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	SafeInterrupt(cancel, gracePeriod)
	return ctx, cancel
}

// Reset terminal: make cursor visible, restore default terminal colors.
func Reset() {
	fmt.Print("\033[?25h\033[39;49;0m\n") // Restore cursor and colors.
}

// New starts a spinning display, after the given message, that runs on a separate GoRoutine.
// The elapsed time is displayed next to the spinning symbol.
// It stops when Spinning.Done is called, or when ctx is cancelled.
func New(ctx context.Context, message string) *Spinning {
	s := &Spinning{start: time.Now()}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		fmt.Print("\033[?25l")       // Hide cursor.
		defer fmt.Print("\033[?25h") // Restore cursor.

		for {
			symbol := Theme[spinningIdx]
			fmt.Printf("\r%s %c %s\x1b[0K", message, symbol, time.Since(s.start).Round(time.Second))
			spinningIdx = (spinningIdx + 1) % themeLen
			select {
			case <-ctx.Done():
				fmt.Print("\r\x1b[0K")
				return
			case <-ticker.C:
				// continue
			}
		}
	}()
	return s
}

// Done stops the spinning display and returns the time elapsed since it started.
func (s *Spinning) Done() time.Duration {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.wg.Wait()
	return time.Since(s.start)
}
