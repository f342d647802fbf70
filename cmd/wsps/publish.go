package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

var publishRaw bool

var publishCmd = &cobra.Command{
	Use:   "publish CHANNEL[,CHANNEL...] DATA",
	Short: "Publish one event",
	Long: "Publish DATA on the given channels. DATA is read as a JSON literal (number, object, array, " +
		"quoted string, null) and falls back to a plain string; --raw always sends it as a string.",
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		channels := strings.Split(args[0], ",")
		data := parseData(args[1], publishRaw)

		s, err := openSession(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.manager.Publish(channels, data, "wsps-cli"); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "published to %s (%s)\n", strings.Join(channels, ", "), s.cfg.DefaultRange)
		return nil
	},
}

func parseData(raw string, asString bool) any {
	if asString {
		return raw
	}
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	if n, ok := v.(json.Number); ok {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return f
		}
	}
	return v
}

func init() {
	publishCmd.Flags().BoolVar(&publishRaw, "raw", false, "send DATA as a string without JSON parsing")
	rootCmd.AddCommand(publishCmd)
}
