package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/wlock"
)

func newStatusCommand(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show who holds the lock and what mode this process would get",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			view := a.status(cmd.Context())
			return writeStatus(cmd.OutOrStdout(), cmd.ErrOrStderr(), output, view)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format (text, json, yaml)")
	return cmd
}

// status never fails: configuration and storage errors are reported as
// mode unknown.
func (a *app) status(ctx context.Context) statusView {
	c, err := a.openCoordinator(nil)
	if err != nil {
		return statusView{Mode: wlock.ModeUnknown.String(), Error: err.Error()}
	}
	defer c.Close(context.WithoutCancel(ctx))
	st, err := c.Status(ctx)
	view := newStatusView(st, c.Config())
	if err != nil {
		view.Mode = wlock.ModeUnknown.String()
		view.Error = err.Error()
	}
	return view
}

type statusView struct {
	Lock          string     `json:"lock,omitempty" yaml:"lock,omitempty"`
	Store         string     `json:"store,omitempty" yaml:"store,omitempty"`
	State         string     `json:"state,omitempty" yaml:"state,omitempty"`
	Mode          string     `json:"mode" yaml:"mode"`
	Owner         string     `json:"owner,omitempty" yaml:"owner,omitempty"`
	OwnerAlive    string     `json:"owner_alive,omitempty" yaml:"owner_alive,omitempty"`
	OwnedBySelf   bool       `json:"owned_by_self" yaml:"owned_by_self"`
	Self          string     `json:"self,omitempty" yaml:"self,omitempty"`
	LockedAt      *time.Time `json:"locked_at,omitempty" yaml:"locked_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty" yaml:"last_heartbeat,omitempty"`
	HeartbeatAge  string     `json:"heartbeat_age,omitempty" yaml:"heartbeat_age,omitempty"`
	StaleAfter    string     `json:"stale_after,omitempty" yaml:"stale_after,omitempty"`
	CheckedAt     *time.Time `json:"checked_at,omitempty" yaml:"checked_at,omitempty"`
	Error         string     `json:"error,omitempty" yaml:"error,omitempty"`

	staleIn time.Duration
}

func newStatusView(st wlock.Status, cfg wlock.Config) statusView {
	view := statusView{
		Lock:        cfg.LockName,
		Store:       wlock.RedactStore(cfg.Store),
		State:       string(st.State),
		Mode:        st.Mode.String(),
		OwnedBySelf: st.OwnedBySelf,
		Self:        st.Self.String(),
		StaleAfter:  st.StaleAfter.String(),
		staleIn:     st.StaleIn(),
	}
	if !st.CheckedAt.IsZero() {
		checked := st.CheckedAt
		view.CheckedAt = &checked
	}
	if rec := st.Record; rec != nil {
		locked, beat := rec.LockedAt, rec.LastHeartbeat
		view.Owner = rec.Owner().String()
		view.OwnerAlive = st.OwnerAlive.String()
		view.LockedAt = &locked
		view.LastHeartbeat = &beat
		view.HeartbeatAge = st.HeartbeatAge.String()
	}
	return view
}

func writeStatus(out, errOut io.Writer, format string, view statusView) error {
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "text":
		if view.Error != "" {
			fmt.Fprintf(errOut, "wlock: %s\n", view.Error)
		}
		writeStatusText(out, view)
		return nil
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(view)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(view)
	default:
		return fmt.Errorf("unknown output format %q (text, json, yaml)", format)
	}
}

func writeStatusText(out io.Writer, view statusView) {
	row := func(key, val string) {
		fmt.Fprintf(out, "%-11s %s\n", key+":", val)
	}
	if view.Lock != "" {
		row("lock", view.Lock)
		row("store", view.Store)
	}
	if view.State != "" {
		row("state", view.State)
	}
	row("mode", view.Mode)
	if view.Owner == "" {
		return
	}
	owner := view.Owner
	switch {
	case view.OwnedBySelf:
		owner += " (this process)"
	case view.OwnerAlive != "":
		owner += " (" + view.OwnerAlive + ")"
	}
	row("owner", owner)
	now := time.Now()
	if view.CheckedAt != nil {
		now = *view.CheckedAt
	}
	if view.LockedAt != nil {
		row("locked", fmt.Sprintf("%s (%s)", view.LockedAt.Format(time.RFC3339), relTime(*view.LockedAt, now)))
	}
	if view.LastHeartbeat != nil {
		row("heartbeat", relTime(*view.LastHeartbeat, now))
	}
	if view.State == string(wlock.LockStateStale) {
		row("stale", "yes, may be taken over")
	} else if view.staleIn > 0 {
		row("stale in", strings.TrimSpace(humanize.RelTime(now, now.Add(view.staleIn), "", "")))
	}
}

func relTime(then, now time.Time) string {
	if now.Sub(then) < time.Second {
		return "now"
	}
	return humanize.RelTime(then, now, "ago", "from now")
}

func newAcquireCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "acquire",
		Short: "Take the lock once without heartbeating (exit 1 when busy)",
		Long: `Acquire writes a lock record for this identity and exits. Nothing keeps the
heartbeat alive afterwards, so pair it with --pid and a periodic
"wlock refresh" or take it over with "wlock hold".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openCoordinator(nil)
			if err != nil {
				return err
			}
			defer c.Close(context.WithoutCancel(ctx))
			res, err := c.Acquire(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			name := c.Config().LockName
			switch {
			case res.AlreadyOwned:
				fmt.Fprintf(out, "acquired %s as %s (already held)\n", name, c.Identity())
			case res.TookOver:
				fmt.Fprintf(out, "acquired %s as %s (took over a stale lock)\n", name, c.Identity())
			case res.Acquired():
				fmt.Fprintf(out, "acquired %s as %s\n", name, c.Identity())
			default:
				fmt.Fprintf(out, "busy: %s\n", describeHolder(res.Owner, res.Record, "lost the race to another writer"))
				return withExitCode(exitBusy, nil)
			}
			return nil
		},
	}
}

func newReleaseCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "release",
		Short: "Delete the lock record if this identity owns it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openCoordinator(nil)
			if err != nil {
				return err
			}
			defer c.Close(context.WithoutCancel(ctx))
			released, err := c.Release(ctx)
			if err != nil {
				return err
			}
			if released {
				fmt.Fprintf(cmd.OutOrStdout(), "released %s\n", c.Config().LockName)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "not owner of %s; nothing released\n", c.Config().LockName)
			}
			return nil
		},
	}
}

func newRefreshCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the heartbeat once (exit 1 when ownership is lost)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			c, err := a.openCoordinator(nil)
			if err != nil {
				return err
			}
			defer c.Close(context.WithoutCancel(ctx))
			res, err := c.Refresh(ctx)
			if err != nil {
				return err
			}
			if res.Renewed() {
				fmt.Fprintf(cmd.OutOrStdout(), "renewed %s\n", c.Config().LockName)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "lost: %s\n", describeHolder(res.Owner, res.Record, "no record names this process"))
			return withExitCode(exitBusy, nil)
		},
	}
}

func describeHolder(owner *wlock.Identity, rec *wlock.Record, unknown string) string {
	if owner == nil {
		if rec == nil {
			return unknown
		}
		id := rec.Owner()
		owner = &id
	}
	if rec == nil {
		return "held by " + owner.String()
	}
	return fmt.Sprintf("held by %s (heartbeat %s)", owner, relTime(rec.LastHeartbeat, time.Now()))
}
