// Package principal identifies the OS principal behind an inbound request:
// socket tuple to uid via the kernel connection table, then uid to username
// and groups via a pluggable host identity lookup, with bounded caches in
// front of every stage.
package principal

import (
	"bufio"
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/skylark-labs/credgate/internal/log"
)

const (
	userCacheSize  = 10000
	groupCacheSize = 10000
)

// Principal is a resolved OS identity. Uid is the only field taken from the
// network layer; Username may be empty for an unknown caller, which is a valid
// terminal state rather than an error.
type Principal struct {
	Uid      uint32
	Username string
	Groups   []string
}

// Resolver resolves principals. Safe for concurrent use from many request
// goroutines; cache population is single-flighted per key.
type Resolver struct {
	table  *ConnTable
	lookup Lookup

	users  *lru.Cache[uint32, string]
	groups *expirable.LRU[string, []string]
	flight singleflight.Group
}

// NewResolver builds a Resolver over the given connection table and identity
// lookup. groupTTL bounds how long cached group memberships stay valid; uids
// are never reassigned without a reboot, so username entries only leave the
// cache by LRU pressure.
func NewResolver(table *ConnTable, lookup Lookup, groupTTL time.Duration) *Resolver {
	users, _ := lru.New[uint32, string](userCacheSize)
	return &Resolver{
		table:  table,
		lookup: lookup,
		users:  users,
		groups: expirable.NewLRU[string, []string](groupCacheSize, nil, groupTTL),
	}
}

// Identify maps the request's socket tuple to a uid under the given purpose
// policy. proxyPort is the proxy's own listening port.
func (r *Resolver) Identify(ctx context.Context, localAddr string, localPort int, remoteAddr string, remotePort int, proxyPort int, purpose Purpose) (uint32, bool) {
	return r.table.ResolveUID(ctx, localAddr, localPort, remoteAddr, remotePort, proxyPort, purpose)
}

// Username returns the username for a uid, caching the first successful
// lookup. Lookup failures degrade to absent and are not cached, so a transient
// failure does not pin an unknown identity.
func (r *Resolver) Username(ctx context.Context, uid uint32) (string, bool) {
	if name, ok := r.users.Get(uid); ok {
		return name, true
	}

	key := "u:" + strconv.FormatUint(uint64(uid), 10)
	v, err, _ := r.flight.Do(key, func() (any, error) {
		if name, ok := r.users.Get(uid); ok {
			return name, nil
		}
		name, err := r.lookup.Username(ctx, uid)
		if err != nil {
			return "", err
		}
		r.users.Add(uid, name)
		return name, nil
	})
	if err != nil {
		log.Debug("username lookup failed", "uid", uid, "error", err)
		return "", false
	}
	return v.(string), true
}

// Groups returns the group names for a username in OS membership order.
// Failures degrade to an empty list and are not cached.
func (r *Resolver) Groups(ctx context.Context, username string) []string {
	if groups, ok := r.groups.Get(username); ok {
		return groups
	}

	v, err, _ := r.flight.Do("g:"+username, func() (any, error) {
		if groups, ok := r.groups.Get(username); ok {
			return groups, nil
		}
		groups, err := r.lookup.Groups(ctx, username)
		if err != nil {
			return nil, err
		}
		r.groups.Add(username, groups)
		return groups, nil
	})
	if err != nil {
		log.Debug("group lookup failed", "username", username, "error", err)
		return nil
	}
	return v.([]string)
}

// Resolve builds the full principal for a uid.
func (r *Resolver) Resolve(ctx context.Context, uid uint32) Principal {
	p := Principal{Uid: uid}
	name, ok := r.Username(ctx, uid)
	if !ok {
		return p
	}
	p.Username = name
	p.Groups = r.Groups(ctx, name)
	return p
}

// WarmUsers preloads the uid cache from a passwd-format file, skipping
// comments and nologin accounts. Errors only cost cache warmth.
func (r *Resolver) WarmUsers(path string) {
	f, err := os.Open(path)
	if err != nil {
		log.Warn("could not preload users", "path", path, "error", err)
		return
	}
	defer f.Close()

	n := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// name:passwd:uid:gid:gecos:home:shell
		parts := strings.Split(line, ":")
		if len(parts) < 7 || parts[6] == "/usr/sbin/nologin" {
			continue
		}
		uid, err := strconv.ParseUint(parts[2], 10, 32)
		if err != nil {
			continue
		}
		r.users.Add(uint32(uid), parts[0])
		n++
	}
	log.Info("preloaded OS users", "count", n)
}
