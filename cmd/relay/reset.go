package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danshapiro/relay/internal/relay/engine"
)

func newResetCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop the checkpoint so the next run starts at the next uncommitted iteration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(root.configPath, nil)
			if err != nil {
				return err
			}
			defer s.Close()
			e, err := s.engine(engine.Runners{}, nil)
			if err != nil {
				return err
			}
			if err := e.Reset(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset=ok\nblackboard=%s\n", s.board.Root())
			return nil
		},
	}
}
