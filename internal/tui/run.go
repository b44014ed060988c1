package tui

import (
	"context"
	"errors"
	"log/slog"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/clawinfra/fieldsync/internal/notify"
)

// Run shows the dashboard until the user quits or ctx ends. Events from
// the daemon are streamed into the feed; the stream is redialled when it
// drops.
func Run(ctx context.Context, c *Client, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "tui")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	program := tea.NewProgram(NewModel(c), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for ctx.Err() == nil {
			err := c.Events(ctx, func(e notify.Event) {
				program.Send(eventMsg(e))
			})
			if ctx.Err() != nil {
				return
			}
			logger.Debug("event stream dropped, redialling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(3 * time.Second):
			}
		}
	}()

	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
