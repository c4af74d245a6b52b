package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
)

func newCheckCommand(a *app) *cobra.Command {
	var rawParams []string
	cmd := &cobra.Command{
		Use:   "check <worker-type>",
		Short: "Ask the admission gate about a request without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			svc, err := a.startServices()
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close(context.Background()) }()

			out := cmd.OutOrStdout()
			p := newPalette(out)
			err = svc.sup.Check(cmd.Context(), args[0], params)
			switch {
			case err == nil:
				fmt.Fprintf(out, "%s %s\n", args[0], p.ok.Sprint("admitted"))
				return nil
			case apperrors.IsAdmissionDenied(err):
				fmt.Fprintf(out, "%s %s: %s\n", args[0], p.bad.Sprint("rejected"), apperrors.RejectionReason(err))
				return &ExitCodeError{Code: exitRejected}
			default:
				return err
			}
		},
	}
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "worker parameter as key=value; JSON values keep their type")
	return cmd
}
