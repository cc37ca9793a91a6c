package capture

import (
	"bufio"
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/resident-x/go-victron-ble/internal/domain"
)

// ReplaySource feeds captures recorded as text. Each line holds a sender address and
// the frame as hex, separated by white space. Blank lines and lines starting with #
// are skipped. Unlike the scanner, replay never drops a frame: it waits until the
// decoder has drained the previous one.
type ReplaySource struct {
	open     func() (io.ReadCloser, error)
	name     string
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewReplayFile creates a source reading from path.
func NewReplayFile(path string, interval time.Duration) *ReplaySource {
	return &ReplaySource{
		open:     func() (io.ReadCloser, error) { return os.Open(path) },
		name:     path,
		interval: interval,
		logger:   log.With().Str("component", "replay").Logger(),
		now:      time.Now,
	}
}

// NewReplayReader creates a source reading from r.
func NewReplayReader(r io.Reader, interval time.Duration) *ReplaySource {
	return &ReplaySource{
		open:     func() (io.ReadCloser, error) { return io.NopCloser(r), nil },
		name:     "reader",
		interval: interval,
		logger:   log.With().Str("component", "replay").Logger(),
		now:      time.Now,
	}
}

// ParseLine decodes one capture line. ok is false for blank and comment lines.
func ParseLine(line string) (c domain.Capture, ok bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return c, false, nil
	}

	fields := strings.Fields(line)
	if len(fields) < 2 {
		return c, false, fmt.Errorf("expected address and frame, got %q", line)
	}

	data, err := hex.DecodeString(strings.Join(fields[1:], ""))
	if err != nil {
		return c, false, fmt.Errorf("invalid frame hex: %w", err)
	}

	c.Address = NormalizeAddress(fields[0])
	c.Data = data
	return c, true, nil
}

// Run offers every capture of the input to sink and returns at the end of input.
func (s *ReplaySource) Run(ctx context.Context, sink domain.Sink) error {
	rc, err := s.open()
	if err != nil {
		return fmt.Errorf("failed to open replay input: %w", err)
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	lineNo, sent := 0, 0
	for scanner.Scan() {
		lineNo++

		c, ok, err := ParseLine(scanner.Text())
		if err != nil {
			s.logger.Warn().Err(err).Str("input", s.name).Int("line", lineNo).Msg("Skipping line")
			continue
		}
		if !ok {
			continue
		}
		c.ReceivedAt = s.now()

		if err := offer(ctx, sink, c); err != nil {
			return err
		}
		sent++

		if s.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.interval):
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read replay input: %w", err)
	}

	s.logger.Info().Str("input", s.name).Int("frames", sent).Msg("Replay finished")
	return nil
}

// offer retries until sink accepts c.
func offer(ctx context.Context, sink domain.Sink, c domain.Capture) error {
	for !sink.Offer(c) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sink.Drained():
		}
	}
	return nil
}
