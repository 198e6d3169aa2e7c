package main

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/cortex/internal/config"
	"github.com/haasonsaas/cortex/internal/runtime"
	"github.com/haasonsaas/cortex/internal/shell"
)

func loadRuntime() (*runtime.Runtime, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	return runtime.New(cfg)
}

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl",
		Short: "Start an interactive session",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			return shell.New(rt, os.Stdin, os.Stdout).Run(cmd.Context())
		},
	}
}

func newTurnCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "turn <message>",
		Short: "Run a single turn and print the response",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			response, err := shell.New(rt, os.Stdin, os.Stdout).RunOnce(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), response)
			return nil
		},
	}
}

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chains of every ledger stream",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}

			streams := rt.Streams.All()
			names := make([]string, 0, len(streams))
			for name := range streams {
				names = append(names, name)
			}
			sort.Strings(names)

			broken := false
			for _, name := range names {
				breaks, err := streams[name].VerifyChain()
				if err != nil {
					return fmt.Errorf("verify %s: %w", name, err)
				}
				if len(breaks) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "%-9s ok\n", name)
					continue
				}
				broken = true
				for _, b := range breaks {
					fmt.Fprintf(cmd.OutOrStdout(), "%-9s BREAK %s\n", name, b)
				}
			}
			if broken {
				return fmt.Errorf("hash chain broken")
			}
			return nil
		},
	}
}

func newBiasesCmd() *cobra.Command {
	var asOf string
	cmd := &cobra.Command{
		Use:   "biases",
		Short: "List the memory overlays active right now",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadRuntime()
			if err != nil {
				return err
			}
			at := time.Now().UTC()
			if asOf != "" {
				parsed, err := time.Parse(time.RFC3339, asOf)
				if err != nil {
					return fmt.Errorf("invalid --as-of timestamp: %w", err)
				}
				at = parsed.UTC()
			}

			biases, err := rt.Memory.ReadActiveBiases(at)
			if err != nil {
				return err
			}
			if len(biases) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no active biases")
				return nil
			}
			for _, o := range biases {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-18s  w=%.2f  %s\n",
					o.ArtifactID, o.ArtifactType, o.Weight, o.ContextLine)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&asOf, "as-of", "", "evaluate biases as of this RFC3339 timestamp")
	return cmd
}
