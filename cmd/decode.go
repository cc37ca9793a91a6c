package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/resident-x/go-victron-ble/internal/domain"
	"github.com/resident-x/go-victron-ble/internal/parser"
	"github.com/resident-x/go-victron-ble/internal/validation"
)

func newDecodeCmd(c *cli) *cobra.Command {
	var deviceName string

	cmd := &cobra.Command{
		Use:   "decode --device NAME HEX",
		Short: "Decode a single frame and print the reading as JSON",
		Long: `Decrypt and decode one instant readout frame given as hex with the key of
the named device. White space and colons in HEX are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := c.cfg.Device(deviceName)
			if err != nil {
				return err
			}

			data, err := parseHex(args[0])
			if err != nil {
				return err
			}

			settings := domain.NewSettings(c.cfg.Verbose, c.cfg.Filtering)
			p, err := parser.NewParser(settings)
			if err != nil {
				return fmt.Errorf("failed to initialize parser: %w", err)
			}

			reading, err := p.Parse(cmd.Context(), dev, data)
			if err != nil {
				return fmt.Errorf("decode error: %w", err)
			}

			classifier := validation.NewRangeClassifier(c.cfg.SolarBounds(), log.Logger)
			classifier.Classify(reading, dev.LoadCurrent, validation.Tolerance(settings.Filtering(), c.cfg.FilteringTolerance))

			out, err := json.MarshalIndent(reading.Flatten(), "", "  ")
			if err != nil {
				return fmt.Errorf("failed to marshal reading: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}

	cmd.Flags().StringVarP(&deviceName, "device", "d", "", "Name of the configured device that sent the frame")
	_ = cmd.MarkFlagRequired("device")

	return cmd
}

// parseHex decodes a frame written as hex, ignoring separators.
func parseHex(s string) ([]byte, error) {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', ':', '-':
			return -1
		}
		return r
	}, s)

	data, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid frame hex: %w", err)
	}
	return data, nil
}
