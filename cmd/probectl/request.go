//go:build unix

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/probectl/internal/client"
	"github.com/spf13/cobra"
)

func newRequestCommand() *cobra.Command {
	var (
		addr    string
		block   bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "request <kind> [key=value ...]",
		Short: "Send one request and print the response envelope",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1:])
			if err != nil {
				return err
			}
			reg, err := newRegistry()
			if err != nil {
				return err
			}
			c := client.New(addr, reg, client.WithTimeout(timeout))
			defer c.Close()

			req, err := c.CreateRequest(args[0], fields)
			if err != nil {
				return err
			}
			if err := c.Connect(cmd.Context()); err != nil {
				return err
			}
			res, err := c.SendRequest(req.WithBlock(block))
			if err != nil {
				return err
			}

			raw, err := res.Response.Encode()
			if err != nil {
				return err
			}
			var pretty bytes.Buffer
			if err := json.Indent(&pretty, raw, "", "  "); err != nil {
				pretty.Reset()
				pretty.Write(raw)
			}
			if _, err := fmt.Fprintln(cmd.OutOrStdout(), pretty.String()); err != nil {
				return err
			}
			return res.Err()
		},
	}
	cmd.Flags().StringVarP(&addr, "addr", "a", "", "server address: unix:/path, /path or host:port (default domain socket)")
	cmd.Flags().BoolVar(&block, "block", false, "ask the server to run the request off its loop")
	cmd.Flags().DurationVar(&timeout, "timeout", client.DefaultTimeout, "per-request timeout, 0 waits forever")
	return cmd
}

// parseFields turns key=value arguments into request fields. Values that
// parse as JSON keep their type; anything else is a string.
func parseFields(args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, ok := strings.Cut(arg, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("field %q: want key=value", arg)
		}
		var decoded any
		if err := json.Unmarshal([]byte(value), &decoded); err == nil {
			fields[key] = decoded
			continue
		}
		fields[key] = value
	}
	return fields, nil
}
