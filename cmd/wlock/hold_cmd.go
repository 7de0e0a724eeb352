package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"pkt.systems/wlock"
	"pkt.systems/wlock/internal/svcfields"
)

func newHoldCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hold [--wait] [-- command [args...]]",
		Short: "Hold the lock with a heartbeat until interrupted or the command exits",
		Long: `Hold acquires the lock and renews it every heartbeat interval. Without a
command it holds until SIGINT/SIGTERM. With a command it runs the command
while holding and exits with the command's exit code. The lock is released
(bounded by --release-timeout) before wlock exits.

When ownership is lost the command is terminated and wlock exits 1.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runHold(cmd, args)
		},
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	flags.Bool("wait", false, "wait for the current owner instead of exiting busy")
	if err := a.v.BindPFlag("wait", flags.Lookup("wait")); err != nil {
		panic(err)
	}
	return cmd
}

func (a *app) runHold(cmd *cobra.Command, args []string) (retErr error) {
	ctx := cmd.Context()
	c, err := a.openCoordinator(nil)
	if err != nil {
		return err
	}
	logger := svcfields.WithSubsystem(a.logger, svcfields.Join(svcfields.CLI, "hold"))
	defer func() {
		if err := c.Close(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("hold.close.error", "error", err)
			if retErr == nil {
				retErr = err
			}
		}
	}()

	out := &syncWriter{w: cmd.OutOrStdout()}
	errOut := &syncWriter{w: cmd.ErrOrStderr()}
	name := c.Config().LockName

	unsubscribe := c.Subscribe(func(s wlock.GateState) {
		line := "mode: " + s.Mode.String()
		if s.Owner != nil {
			line += " (owner " + s.Owner.String() + ")"
		}
		fmt.Fprintln(errOut, line)
	})
	defer unsubscribe()

	var res wlock.AcquireResult
	if c.Config().Wait {
		res, err = c.Contend(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return withExitCode(exitBusy, fmt.Errorf("interrupted while waiting for %s", name))
			}
			return err
		}
	} else {
		res, err = c.Start(ctx)
		if err != nil {
			return err
		}
		if !res.Acquired() {
			fmt.Fprintf(out, "busy: %s\n", describeHolder(res.Owner, res.Record, "lost the race to another writer"))
			return withExitCode(exitBusy, nil)
		}
	}
	// The heartbeat only exits on its own after ownership is lost for good.
	lost := c.HeartbeatDone()
	fmt.Fprintf(errOut, "holding %s as %s\n", name, c.Identity())
	logger.Info("hold.acquired", "lock", name, "self", c.Identity().String(), "took_over", res.TookOver)

	if len(args) == 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-lost:
			return withExitCode(exitBusy, fmt.Errorf("lost ownership of %s", name))
		}
	}

	childCtx, cancelChild := context.WithCancel(ctx)
	defer cancelChild()
	child := exec.CommandContext(childCtx, args[0], args[1:]...)
	child.Stdin = os.Stdin
	child.Stdout = out
	child.Stderr = errOut
	child.Env = append(os.Environ(),
		"WLOCK_LOCK_NAME="+name,
		"WLOCK_HOLDER="+c.Identity().String(),
	)
	child.Cancel = func() error {
		return child.Process.Signal(syscall.SIGTERM)
	}
	child.WaitDelay = c.Config().ReleaseTimeout
	if err := child.Start(); err != nil {
		return fmt.Errorf("start %s: %w", args[0], err)
	}
	waitErr := make(chan error, 1)
	go func() { waitErr <- child.Wait() }()

	select {
	case err := <-waitErr:
		return childExit(args[0], err)
	case <-lost:
		cancelChild()
		<-waitErr
		return withExitCode(exitBusy, fmt.Errorf("lost ownership of %s; terminated %s", name, args[0]))
	}
}

// childExit propagates the child's exit status.
func childExit(name string, err error) error {
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		code := ee.ExitCode()
		if code < 0 {
			return withExitCode(exitFailure, fmt.Errorf("%s: %v", name, err))
		}
		return withExitCode(code, nil)
	}
	return fmt.Errorf("%s: %w", name, err)
}

// syncWriter serialises writes from the gate listener and the child's
// output copiers.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
