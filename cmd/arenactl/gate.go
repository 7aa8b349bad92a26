package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/pavanmanishd/dynarena"
)

func init() {
	rootCmd.AddCommand(newGateCmd())
}

func newGateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gate",
		Short: "Show how the capability gate rejects an escaping borrow",
		Long: `The gate command places a cell in a short-lived child arena and then
tries to store a destructor-carrying value that borrows the cell in the
long-lived parent. The parent would outlive the cell, so the placement is
rejected. The command prints the rejection and fails if it was accepted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGate(cmd.OutOrStdout())
		},
	}
}

type cell struct{ count int }

// cellCounter bumps the borrowed cell on destruction.
type cellCounter struct {
	cell dynarena.Ref[cell]
}

func (c cellCounter) Destroy() error {
	c.cell.Get().count++
	return nil
}

func runGate(w io.Writer) error {
	log, err := newLogger(logLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	outer := dynarena.New(dynarena.WithName("outer"), dynarena.WithLogger(log))
	defer outer.Release()

	var rejected error
	err = outer.Scope(func(inner *dynarena.Arena) error {
		c, err := dynarena.AllocCopy(inner, cell{})
		if err != nil {
			return err
		}
		_, rejected = dynarena.Alloc(outer, cellCounter{cell: c})
		return nil
	})
	if err != nil {
		return err
	}

	var ce *dynarena.CapabilityError
	if !errors.As(rejected, &ce) {
		return fmt.Errorf("escaping borrow was not rejected (got %v)", rejected)
	}
	if jsonOut {
		return printJSON(w, ce)
	}
	fmt.Fprintf(w, "rejected: %s into %s\n", ce.Op, ce.Type)
	fmt.Fprintf(w, "  path:        %s\n", strings.Join(ce.Path, "."))
	fmt.Fprintf(w, "  reason:      %s\n", ce.Reason)
	fmt.Fprintf(w, "  invalidated: %s\n", ce.Invalidated)
	return nil
}
