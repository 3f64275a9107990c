package principal

import (
	"context"
	"fmt"
	"os/exec"
	"os/user"
	"strconv"
	"strings"
	"time"
)

// Lookup is the host identity capability: it answers who a uid is and which
// groups a username belongs to. Implementations wrap either direct OS calls or
// an external command; the resolver never cares which.
type Lookup interface {
	Username(ctx context.Context, uid uint32) (string, error)
	Groups(ctx context.Context, username string) ([]string, error)
}

// NewLookup constructs a registered lookup strategy. An empty strategy selects
// "native".
func NewLookup(strategy string, commandTimeout time.Duration) (Lookup, error) {
	switch strategy {
	case "", "native":
		return &NativeLookup{}, nil
	case "command":
		return &CommandLookup{Timeout: commandTimeout}, nil
	default:
		return nil, fmt.Errorf("unknown resolver strategy %q", strategy)
	}
}

// NativeLookup answers identity queries through the OS user database.
type NativeLookup struct{}

// Username implements Lookup.
func (*NativeLookup) Username(ctx context.Context, uid uint32) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	u, err := user.LookupId(strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	return u.Username, nil
}

// Groups implements Lookup. Group names come back in the order the OS reports
// membership.
func (*NativeLookup) Groups(ctx context.Context, username string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, err
	}
	ids, err := u.GroupIds()
	if err != nil {
		return nil, err
	}
	groups := make([]string, 0, len(ids))
	for _, id := range ids {
		g, err := user.LookupGroupId(id)
		if err != nil {
			// A stale gid in the membership list is not fatal.
			continue
		}
		groups = append(groups, g.Name)
	}
	return groups, nil
}

// CommandLookup answers identity queries by shelling out to id(1). It exists
// for hosts where the native user database integration (SSSD, LDAP) only
// behaves through the command-line tools.
type CommandLookup struct {
	// Timeout bounds each subprocess invocation.
	Timeout time.Duration
}

// Username implements Lookup via `id -nu <uid>`.
func (c *CommandLookup) Username(ctx context.Context, uid uint32) (string, error) {
	out, err := c.run(ctx, "id", "-nu", strconv.FormatUint(uint64(uid), 10))
	if err != nil {
		return "", err
	}
	if len(out) == 0 {
		return "", fmt.Errorf("no username for uid %d", uid)
	}
	return out[0], nil
}

// Groups implements Lookup via `id -Gn <username>`.
func (c *CommandLookup) Groups(ctx context.Context, username string) ([]string, error) {
	return c.run(ctx, "id", "-Gn", username)
}

// run executes the command under the configured timeout and returns its
// whitespace-separated output tokens.
func (c *CommandLookup) run(ctx context.Context, name string, args ...string) ([]string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return nil, fmt.Errorf("running %s %s: %w", name, strings.Join(args, " "), err)
	}
	return strings.Fields(string(out)), nil
}
