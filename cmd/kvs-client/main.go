// Package main implements kvs-client, a command-line client for kvs-server.
//
// Example usage:
//
//	kvs-client set key1 value1 --addr 127.0.0.1:4000
//	kvs-client get key1
//	kvs-client rm key1
//
// get prints "Key not found" and exits 0 when the key is absent. rm of an
// absent key prints "Key not found" to stderr and exits 1.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"github.com/dreamware/kvs/internal/client"
	"github.com/dreamware/kvs/internal/codec"
)

const defaultAddr = "127.0.0.1:4000"

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

// execute runs the command line args and returns the process exit code.
func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			fmt.Fprintln(stderr, codec.KeyNotFound)
		} else {
			fmt.Fprintf(stderr, "kvs-client: %v\n", err)
		}
		return 1
	}
	return 0
}

type globalFlags struct {
	addr    string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "kvs-client",
		Short:         "Talk to a kvs-server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return errors.New("missing command")
		},
	}
	root.PersistentFlags().StringVar(&g.addr, "addr", defaultAddr, "server address (IP:PORT)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", client.DefaultTimeout, "per-request timeout")

	root.AddCommand(
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print the value of KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), g, func(ctx context.Context, c *client.Client) error {
					value, found, err := c.Get(ctx, args[0])
					if err != nil {
						return err
					}
					if !found {
						value = codec.KeyNotFound
					}
					fmt.Fprintln(cmd.OutOrStdout(), value)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "set KEY VALUE",
			Short: "Store VALUE under KEY",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), g, func(ctx context.Context, c *client.Client) error {
					return c.Set(ctx, args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "rm KEY",
			Short: "Remove KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withClient(cmd.Context(), g, func(ctx context.Context, c *client.Client) error {
					return c.Remove(ctx, args[0])
				})
			},
		},
	)
	return root
}

func withClient(ctx context.Context, g globalFlags, fn func(context.Context, *client.Client) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	c, err := client.Dial(ctx, g.addr, client.WithTimeout(g.timeout))
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(ctx, c)
}
