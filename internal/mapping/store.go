package mapping

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/skylark-labs/credgate/internal/log"
)

// fetchTimeout bounds one remote document fetch, including retries.
const fetchTimeout = 30 * time.Second

// Source is the remote mapping-document collaborator. Fingerprint returns an
// opaque version marker (e.g. an object store ETag) so an unchanged document
// is never re-downloaded or re-parsed.
type Source interface {
	Fingerprint(ctx context.Context) (string, error)
	Fetch(ctx context.Context) (doc []byte, fingerprint string, err error)
}

// Store ties a mapping provider to its remote document source. Reads are
// served from the provider's current snapshot; a single background worker
// refreshes it on a fixed period.
type Store struct {
	provider Provider
	source   Source
	interval time.Duration

	// fingerprint of the last successfully loaded document. Touched only by
	// the refresh worker.
	fingerprint string
}

// NewStore builds a Store. interval must already have the configuration floor
// applied.
func NewStore(provider Provider, source Source, interval time.Duration) *Store {
	return &Store{provider: provider, source: source, interval: interval}
}

// Mapping returns the current role mapping for a username. A misbehaving
// provider never takes down the serving path: panics are contained and
// reported as no-mapping.
func (s *Store) Mapping(ctx context.Context, username string) (req RoleRequest, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("mapping provider panicked", "username", username, "panic", r)
			req, ok = RoleRequest{}, false
		}
	}()
	return s.provider.Mapping(ctx, username)
}

// Refresh checks the remote fingerprint and reloads the document when it
// changed. Any failure leaves the previous snapshot serving.
func (s *Store) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	fingerprint, err := s.source.Fingerprint(ctx)
	if err != nil {
		return fmt.Errorf("checking mapping fingerprint: %w", err)
	}
	if fingerprint == s.fingerprint {
		log.Debug("mapping unchanged", "fingerprint", fingerprint)
		return nil
	}

	log.Info("mapping changed, reloading", "fingerprint", fingerprint)

	doc, fingerprint, err := s.fetchWithRetry(ctx)
	if err != nil {
		return fmt.Errorf("fetching mapping document: %w", err)
	}
	if err := s.load(doc); err != nil {
		return err
	}

	s.fingerprint = fingerprint
	return nil
}

// fetchWithRetry retries transient fetch failures with exponential backoff,
// bounded by the fetch timeout on ctx.
func (s *Store) fetchWithRetry(ctx context.Context) ([]byte, string, error) {
	type result struct {
		doc         []byte
		fingerprint string
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond

	res, err := backoff.Retry(ctx, func() (result, error) {
		doc, fingerprint, err := s.source.Fetch(ctx)
		if err != nil {
			return result{}, err
		}
		return result{doc: doc, fingerprint: fingerprint}, nil
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(3),
		backoff.WithNotify(func(err error, wait time.Duration) {
			log.Warn("mapping fetch failed, retrying", "error", err, "wait", wait)
		}),
	)
	if err != nil {
		return nil, "", err
	}
	return res.doc, res.fingerprint, nil
}

// load hands the document to the provider, containing provider panics.
func (s *Store) load(doc []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("mapping provider panicked during load: %v", r)
		}
	}()
	return s.provider.Load(doc)
}

// Run performs an initial refresh and then refreshes on the fixed period
// until ctx is canceled. Refresh errors are logged; the worker never stops on
// them and they never reach request goroutines.
func (s *Store) Run(ctx context.Context) {
	if err := s.Refresh(ctx); err != nil {
		log.Error("initial mapping refresh failed", "error", err)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.Error("mapping refresh failed, keeping previous snapshot", "error", err)
			}
		}
	}
}
