package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/dull-quay940/mcp-supervisor/internal/errors"
	"github.com/dull-quay940/mcp-supervisor/internal/session"
)

const closeTimeout = 30 * time.Second

func newRunCommand(a *app) *cobra.Command {
	var (
		rawParams []string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run <worker-type>",
		Short: "Run one session and follow it to a terminal state",
		Long: `Run one session of a worker type and wait for it, following retries.
The exit code mirrors the outcome: 0 completed, 2 rejected by admission,
124 timed out, 130 stopped, otherwise the worker's exit code.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			svc, err := a.startServices()
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
				defer cancel()
				if err := svc.Close(closeCtx); err != nil {
					svc.logger.Warn("shutdown incomplete", "error", err)
				}
			}()

			out := cmd.OutOrStdout()
			p := newPalette(out)
			sess, err := svc.sup.SpawnAgent(ctx, args[0], params)
			if err != nil {
				if apperrors.IsAdmissionDenied(err) {
					return &ExitCodeError{Code: exitRejected, Err: fmt.Errorf("rejected: %s", apperrors.RejectionReason(err))}
				}
				if sess.ID != "" {
					printSession(out, p, sess)
				}
				return err
			}
			svc.logger.Info("session started", "session_id", sess.ID, "ref", sess.Handle.String())

			final, err := svc.sup.Await(ctx, sess.ID)
			if err != nil {
				if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				final, err = stopAndCollect(svc, sess.ID)
				if err != nil {
					return err
				}
			}
			printSession(out, p, final)
			return exitFor(final)
		},
	}
	cmd.Flags().StringArrayVarP(&rawParams, "param", "p", nil, "worker parameter as key=value; JSON values keep their type")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "stop the session if it has not finished after this long")
	return cmd
}

// stopAndCollect stops an interrupted session and returns its final snapshot.
// The session may be a retry of the one originally spawned.
func stopAndCollect(svc *services, sessionID string) (session.Session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	list, err := svc.sup.List(ctx)
	if err != nil {
		return session.Session{}, err
	}
	current := latestAttempt(list, sessionID)
	svc.sup.StopAgent(ctx, current)
	return svc.sup.Await(ctx, current)
}

// latestAttempt follows the retry chain starting at id.
func latestAttempt(list []session.Session, id string) string {
	next := make(map[string]string, len(list))
	for _, s := range list {
		if s.PreviousID != "" {
			next[s.PreviousID] = s.ID
		}
	}
	for seen := 0; seen <= len(list); seen++ {
		successor, ok := next[id]
		if !ok {
			break
		}
		id = successor
	}
	return id
}
