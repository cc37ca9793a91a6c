// Package console implements the single character command interface.
package console

import (
	"bufio"
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// Commands.
const (
	CommandVerbose   = 'V'
	CommandFiltering = 'F'
)

// Console toggles runtime settings from single characters read from an input.
type Console struct {
	in       io.Reader
	settings *domain.Settings
	logger   zerolog.Logger
}

// New creates a console reading from in.
func New(in io.Reader, settings *domain.Settings) *Console {
	return &Console{
		in:       in,
		settings: settings,
		logger:   log.With().Str("component", "console").Logger(),
	}
}

// SetCustomLogger allows updating the logger (useful for tests).
func (c *Console) SetCustomLogger(logger *zerolog.Logger) {
	c.logger = logger.With().Str("component", "console").Logger()
}

// Run reads commands until the input ends or ctx is cancelled. The read itself
// cannot be interrupted, so on cancellation Run returns while a read may still be
// pending.
func (c *Console) Run(ctx context.Context) error {
	chars := make(chan byte)
	readErr := make(chan error, 1)

	go func() {
		r := bufio.NewReader(c.in)
		for {
			b, err := r.ReadByte()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case chars <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		case b := <-chars:
			c.Handle(b)
		}
	}
}

// Handle executes one command character and reports whether it was recognised.
// Characters outside '*'..'z' are ignored; letters are case insensitive.
func (c *Console) Handle(b byte) bool {
	if b < '*' || b > 'z' {
		return false
	}
	if b >= 'a' && b <= 'z' {
		b -= 'a' - 'A'
	}

	switch b {
	case CommandVerbose:
		on := c.settings.ToggleVerbose()
		c.logger.Info().Bool("verbose", on).Msg("Verbose mode toggled")
	case CommandFiltering:
		on := c.settings.ToggleFiltering()
		c.logger.Info().Bool("filtering", on).Msg("Filtering toggled")
	default:
		c.logger.Debug().Str("command", string(rune(b))).Msg("Unknown command")
		return false
	}

	return true
}
