// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/statememory/pkg/client"
	"github.com/AleutianAI/statememory/services/statememory/delta"
	"github.com/AleutianAI/statememory/services/statememory/document"
)

const defaultServer = "http://localhost:12310"

// globalFlags are shared by every subcommand.
type globalFlags struct {
	server  string
	token   string
	timeout time.Duration
}

// writeFlags identify the writer and the policy context.
type writeFlags struct {
	actor   string
	lineage string
	pillar  string
	aml     int
	data    string
}

func (w *writeFlags) register(cmd *cobra.Command, withPolicy bool) {
	cmd.Flags().StringVar(&w.actor, "actor", os.Getenv("USER"), "actor recorded with the write")
	cmd.Flags().StringVar(&w.lineage, "lineage", "", "lineage id (default: generated)")
	cmd.Flags().StringVarP(&w.data, "data", "d", "", "inline JSON body instead of a file argument")
	if withPolicy {
		cmd.Flags().StringVar(&w.pillar, "pillar", "", "policy pillar")
		cmd.Flags().IntVar(&w.aml, "aml", -1, "AML autonomy level (default: omitted, treated as 0)")
	}
}

func (w *writeFlags) deltaOptions() client.DeltaOptions {
	opts := client.DeltaOptions{Actor: w.actor, LineageID: w.lineage, Pillar: w.pillar}
	if w.aml >= 0 {
		aml := w.aml
		opts.AMLLevel = &aml
	}
	return opts
}

// newRootCmd builds the command tree. A fresh tree per call keeps flag
// state out of package globals.
func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "fsactl",
		Short:         "Read and write FSA state on a state memory service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	server := os.Getenv("STATEMEMORY_URL")
	if server == "" {
		server = defaultServer
	}
	root.PersistentFlags().StringVarP(&g.server, "server", "s", server, "service base URL (env STATEMEMORY_URL)")
	root.PersistentFlags().StringVar(&g.token, "token", os.Getenv("STATEMEMORY_TOKEN"), "bearer token (env STATEMEMORY_TOKEN)")
	root.PersistentFlags().DurationVar(&g.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		newHealthCmd(g),
		newGetCmd(g),
		newPutCmd(g),
		newDeltaCmd(g),
		newSliceCmd(g),
		newValidateCmd(g),
	)
	return root
}

func (g *globalFlags) client() (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(g.timeout)}
	if g.token != "" {
		opts = append(opts, client.WithToken(g.token))
	}
	return client.New(g.server, opts...)
}

// =============================================================================
// Subcommands
// =============================================================================

func newHealthCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the service is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			if err := c.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func newGetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <tenant> <fsa>",
		Short: "Print the current state and version",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			st, err := c.Get(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func newPutCmd(g *globalFlags) *cobra.Command {
	w := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "put <tenant> <fsa> [file|-]",
		Short: "Replace the whole document",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(cmd, w.data, args[2:])
			if err != nil {
				return err
			}
			doc, err := document.Parse(body)
			if err != nil {
				return fmt.Errorf("invalid document: %w", err)
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			version, err := c.Put(cmd.Context(), args[0], args[1], doc, client.WriteOptions{Actor: w.actor, LineageID: w.lineage})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int64{"version": version})
		},
	}
	w.register(cmd, false)
	return cmd
}

func newDeltaCmd(g *globalFlags) *cobra.Command {
	w := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "delta <tenant> <fsa> [file|-]",
		Short: "Apply a delta; exits non-zero when it is rejected",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDelta(cmd, w.data, args[2:])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.ApplyDelta(cmd.Context(), args[0], args[1], d, w.deltaOptions())
			if res != nil {
				if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
					return perr
				}
			}
			return err
		},
	}
	w.register(cmd, true)
	return cmd
}

func newSliceCmd(g *globalFlags) *cobra.Command {
	var k int
	var summaryOnly bool
	cmd := &cobra.Command{
		Use:   "slice <tenant> <fsa> <pattern>",
		Short: "Query a slice of the document",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			res, err := c.Slice(cmd.Context(), args[0], args[1], args[2], k)
			if err != nil {
				return err
			}
			if summaryOnly {
				fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
				return nil
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().IntVarP(&k, "k", "k", 0, "maximum entries per collection (0 = no cap)")
	cmd.Flags().BoolVar(&summaryOnly, "summary", false, "print only the summary text")
	return cmd
}

func newValidateCmd(g *globalFlags) *cobra.Command {
	w := &writeFlags{}
	cmd := &cobra.Command{
		Use:   "validate <tenant> <fsa> [file|-]",
		Short: "Dry-run a delta and list every violation",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := readDelta(cmd, w.data, args[2:])
			if err != nil {
				return err
			}
			c, err := g.client()
			if err != nil {
				return err
			}
			defer c.Close()
			opts := w.deltaOptions()
			if !cmd.Flags().Changed("actor") {
				opts.Actor = ""
			}
			report, err := c.Validate(cmd.Context(), args[0], args[1], d, opts)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if !report.Allowed {
				return fmt.Errorf("%d violation(s)", len(report.Violations))
			}
			return nil
		},
	}
	w.register(cmd, true)
	return cmd
}

// =============================================================================
// Helpers
// =============================================================================

// readInput returns --data, the named file, or stdin for "-". Exactly one
// source must be given.
func readInput(cmd *cobra.Command, data string, args []string) ([]byte, error) {
	switch {
	case data != "" && len(args) > 0:
		return nil, errors.New("pass either --data or a file, not both")
	case data != "":
		return []byte(data), nil
	case len(args) == 0:
		return nil, errors.New("missing input: pass --data, a file, or - for stdin")
	case args[0] == "-":
		return io.ReadAll(cmd.InOrStdin())
	default:
		return os.ReadFile(args[0])
	}
}

func readDelta(cmd *cobra.Command, data string, args []string) (delta.Delta, error) {
	body, err := readInput(cmd, data, args)
	if err != nil {
		return delta.Delta{}, err
	}
	d, err := delta.Parse(body)
	if err != nil {
		return delta.Delta{}, fmt.Errorf("invalid delta: %w", err)
	}
	return d, nil
}

func printJSON(out io.Writer, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return err
	}
	buf.WriteByte('\n')
	_, err = out.Write(buf.Bytes())
	return err
}
