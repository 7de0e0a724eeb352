// Package identity resolves which machine, user and process holds a lock.
package identity

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strings"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/process"
)

// Identity names a lock owner. Two identities are the same owner only when
// all three fields match.
type Identity struct {
	Hostname  string
	Username  string
	ProcessID int
}

// Overrides replaces detected fields. Zero values leave the detected value in
// place.
type Overrides struct {
	Hostname  string
	Username  string
	ProcessID int
}

// String renders the identity as user@host[pid].
func (id Identity) String() string {
	return fmt.Sprintf("%s@%s[%d]", id.Username, id.Hostname, id.ProcessID)
}

// Equal reports whether id and other name the same owner.
func (id Identity) Equal(other Identity) bool {
	return id.Hostname == other.Hostname &&
		id.Username == other.Username &&
		id.ProcessID == other.ProcessID
}

// IsZero reports whether no field is set.
func (id Identity) IsZero() bool {
	return id == Identity{}
}

// Validate checks that an identity can be written to a lock record.
func (id Identity) Validate() error {
	if strings.TrimSpace(id.Hostname) == "" {
		return fmt.Errorf("identity: hostname required")
	}
	if strings.TrimSpace(id.Username) == "" {
		return fmt.Errorf("identity: username required")
	}
	if id.ProcessID <= 0 {
		return fmt.Errorf("identity: process id must be positive, got %d", id.ProcessID)
	}
	return nil
}

// Detect resolves the identity of the running process and applies overrides.
func Detect(ctx context.Context, overrides Overrides) (Identity, error) {
	id := Identity{
		Hostname:  strings.TrimSpace(overrides.Hostname),
		Username:  strings.TrimSpace(overrides.Username),
		ProcessID: overrides.ProcessID,
	}
	if id.ProcessID == 0 {
		id.ProcessID = os.Getpid()
	}
	if id.Hostname == "" {
		name, err := detectHostname(ctx)
		if err != nil {
			return Identity{}, err
		}
		id.Hostname = name
	}
	if id.Username == "" {
		name, err := detectUsername(ctx)
		if err != nil {
			return Identity{}, err
		}
		id.Username = name
	}
	return id, id.Validate()
}

func detectHostname(ctx context.Context) (string, error) {
	if info, err := host.InfoWithContext(ctx); err == nil && strings.TrimSpace(info.Hostname) != "" {
		return strings.TrimSpace(info.Hostname), nil
	}
	name, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("identity: resolve hostname: %w", err)
	}
	return name, nil
}

func detectUsername(ctx context.Context) (string, error) {
	if proc, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if name, err := proc.UsernameWithContext(ctx); err == nil && strings.TrimSpace(name) != "" {
			return strings.TrimSpace(name), nil
		}
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username, nil
	}
	for _, key := range []string{"USER", "USERNAME", "LOGNAME"} {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v, nil
		}
	}
	return "", fmt.Errorf("identity: unable to resolve username")
}

// Liveness is the result of probing whether an owner process still runs.
type Liveness int

const (
	// LivenessUnknown means the owner is on another host or the probe failed.
	LivenessUnknown Liveness = iota
	// LivenessAlive means a process with the owner's PID exists on this host.
	LivenessAlive
	// LivenessGone means no process with the owner's PID exists on this host.
	LivenessGone
)

func (l Liveness) String() string {
	switch l {
	case LivenessAlive:
		return "alive"
	case LivenessGone:
		return "gone"
	default:
		return "unknown"
	}
}

// Probe reports whether owner's process is running. Only owners on the same
// host as self can be probed; PIDs are meaningless across machines.
func Probe(ctx context.Context, self, owner Identity) Liveness {
	if owner.ProcessID <= 0 || !strings.EqualFold(self.Hostname, owner.Hostname) {
		return LivenessUnknown
	}
	exists, err := process.PidExistsWithContext(ctx, int32(owner.ProcessID))
	if err != nil {
		return LivenessUnknown
	}
	if exists {
		return LivenessAlive
	}
	return LivenessGone
}
