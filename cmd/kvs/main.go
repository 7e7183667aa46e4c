// Package main implements kvs, which reads and writes a kvs data directory
// in-process, without a server.
//
//	kvs set key1 value1 --data-path ./data
//	kvs get key1 --data-path ./data
//	kvs rm key1 --data-path ./data
//
// The directory is locked while the command runs, so kvs fails with
// "locked" if a kvs-server holds the same directory.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/dreamware/kvs/internal/codec"
	"github.com/dreamware/kvs/internal/storage"
)

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}

func execute(args []string, stdout, stderr io.Writer) int {
	cmd := newRootCmd(stderr)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	if err := cmd.Execute(); err != nil {
		if errors.Is(err, storage.ErrKeyNotFound) {
			fmt.Fprintln(stdout, codec.KeyNotFound)
		} else {
			fmt.Fprintf(stderr, "kvs: %v\n", err)
		}
		return 1
	}
	return 0
}

func newRootCmd(logOut io.Writer) *cobra.Command {
	var (
		dataPath string
		engine   string
	)
	root := &cobra.Command{
		Use:           "kvs",
		Short:         "Read and write a kvs data directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = cmd.Usage()
			return errors.New("missing command")
		},
	}
	root.PersistentFlags().StringVarP(&dataPath, "data-path", "p", "./", "data directory")
	root.PersistentFlags().StringVar(&engine, "engine", storage.EngineKvs, "storage engine: kvs or pebble")

	withEngine := func(fn func(storage.Engine) error) error {
		log := logrus.New()
		log.SetOutput(logOut)
		log.SetLevel(logrus.WarnLevel)

		opts := storage.DefaultOptions()
		opts.Logger = log
		e, err := storage.Open(dataPath, engine, opts)
		if err != nil {
			return err
		}
		err = fn(e)
		if cerr := e.Close(); err == nil {
			err = cerr
		}
		return err
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "get KEY",
			Short: "Print the value of KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(func(e storage.Engine) error {
					value, found, err := e.Get(args[0])
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
			RunE: func(_ *cobra.Command, args []string) error {
				return withEngine(func(e storage.Engine) error {
					return e.Set(args[0], args[1])
				})
			},
		},
		&cobra.Command{
			Use:   "rm KEY",
			Short: "Remove KEY",
			Args:  cobra.ExactArgs(1),
			RunE: func(_ *cobra.Command, args []string) error {
				return withEngine(func(e storage.Engine) error {
					return e.Remove(args[0])
				})
			},
		},
	)
	return root
}
