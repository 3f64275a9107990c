package credentials

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/smithy-go"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/skylark-labs/credgate/internal/log"
	"github.com/skylark-labs/credgate/internal/mapping"
)

const (
	// minRemainingToRefresh is the minimum validity a served credential must
	// still have; anything closer to expiry is refreshed before serving.
	minRemainingToRefresh = 10 * time.Minute

	// maxRefreshJitter staggers refreshes of identical requests so they do
	// not all hit the backend at the same instant.
	maxRefreshJitter = 5 * time.Minute

	cacheSize = 20000

	assumeRoleTimeout = 15 * time.Second
)

// Cache serves temporary credentials per RoleRequest, refreshing each entry
// before its expiry inside a jitter-randomized window.
type Cache struct {
	client  AssumeRoler
	entries *lru.Cache[string, *Credential]
	flight  singleflight.Group

	// now and jitter are injectable for tests.
	now    func() time.Time
	jitter func() time.Duration
}

// NewCache builds a Cache over the given assume-role client.
func NewCache(client AssumeRoler) *Cache {
	entries, _ := lru.New[string, *Credential](cacheSize)
	return &Cache{
		client:  client,
		entries: entries,
		now:     time.Now,
		jitter:  func() time.Duration { return time.Duration(rand.Int63n(int64(maxRefreshJitter))) },
	}
}

// CredentialsFor returns live credentials for the request, or (nil, nil) when
// the backend transiently could not produce any. An authoritative backend
// rejection is returned as an error; it is an operator problem, not an
// authorization absence.
func (c *Cache) CredentialsFor(ctx context.Context, req mapping.RoleRequest) (*Credential, error) {
	key := req.CacheKey()

	if cred, ok := c.entries.Get(key); ok {
		if !c.shouldRefresh(cred) {
			return cred, nil
		}
		log.Debug("credentials near expiry, refreshing", "role", req.RoleName())
		c.entries.Remove(key)
	}

	v, err, _ := c.flight.Do(key, func() (any, error) {
		// A concurrent flight may have repopulated the entry already.
		if cred, ok := c.entries.Get(key); ok && !c.shouldRefresh(cred) {
			return cred, nil
		}

		cred, err := c.assumeRole(ctx, req)
		if err != nil {
			return nil, err
		}
		if cred != nil {
			c.entries.Add(key, cred)
		}
		// A transient failure is not cached: the next request retries
		// instead of being wedged on a poisoned negative entry.
		return cred, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*Credential), nil
}

// shouldRefresh reports whether the entry is inside its randomized refresh
// window: now + minRemaining + uniform(0, maxJitter) past the expiration.
func (c *Cache) shouldRefresh(cred *Credential) bool {
	return c.now().Add(minRemainingToRefresh + c.jitter()).After(cred.Expiration)
}

// assumeRole performs the backend call. Service (API) errors propagate;
// client-side errors degrade to (nil, nil).
func (c *Cache) assumeRole(ctx context.Context, req mapping.RoleRequest) (*Credential, error) {
	log.Info("assuming role", "role_arn", req.RoleArn, "session", req.SessionName)

	ctx, cancel := context.WithTimeout(ctx, assumeRoleTimeout)
	defer cancel()

	out, err := c.client.AssumeRole(ctx, assumeRoleInput(req))
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			return nil, fmt.Errorf("assuming role %s: %w", req.RoleArn, err)
		}
		log.Error("assume role client failure", "role_arn", req.RoleArn, "error", err)
		return nil, nil
	}
	if out.Credentials == nil {
		log.Error("backend returned empty credentials", "role_arn", req.RoleArn)
		return nil, nil
	}

	return &Credential{
		AccessKeyID:     aws.ToString(out.Credentials.AccessKeyId),
		SecretAccessKey: aws.ToString(out.Credentials.SecretAccessKey),
		SessionToken:    aws.ToString(out.Credentials.SessionToken),
		Expiration:      aws.ToTime(out.Credentials.Expiration),
		LastUpdated:     c.now(),
	}, nil
}
