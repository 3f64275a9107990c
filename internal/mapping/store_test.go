package mapping

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSource struct {
	fingerprint atomic.Value // string
	doc         atomic.Value // []byte

	fingerprintErr error
	fetchErr       error

	fingerprintCalls atomic.Int64
	fetchCalls       atomic.Int64
}

func newFakeSource(fingerprint string, doc string) *fakeSource {
	s := &fakeSource{}
	s.fingerprint.Store(fingerprint)
	s.doc.Store([]byte(doc))
	return s
}

func (s *fakeSource) Fingerprint(context.Context) (string, error) {
	s.fingerprintCalls.Add(1)
	if s.fingerprintErr != nil {
		return "", s.fingerprintErr
	}
	return s.fingerprint.Load().(string), nil
}

func (s *fakeSource) Fetch(context.Context) ([]byte, string, error) {
	s.fetchCalls.Add(1)
	if s.fetchErr != nil {
		return nil, "", s.fetchErr
	}
	return s.doc.Load().([]byte), s.fingerprint.Load().(string), nil
}

const docU1 = `{"PrincipalRoleMappings":[{"username":"u1","rolearn":"arn:aws:iam::123:role/u1"}]}`
const docU2 = `{"PrincipalRoleMappings":[{"username":"u2","rolearn":"arn:aws:iam::123:role/u2"}]}`

func newStoreForTest(t *testing.T, source Source) *Store {
	t.Helper()
	p, err := NewProvider("directmap", ProviderDeps{Groups: staticGroups{}})
	require.NoError(t, err)
	return NewStore(p, source, time.Minute)
}

func TestStoreRefreshLoadsDocument(t *testing.T) {
	source := newFakeSource("v1", docU1)
	store := newStoreForTest(t, source)

	require.NoError(t, store.Refresh(context.Background()))

	req, ok := store.Mapping(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, "arn:aws:iam::123:role/u1", req.RoleArn)
}

// An unchanged fingerprint short-circuits: no fetch, no reload.
func TestStoreRefreshFingerprintNoOp(t *testing.T) {
	source := newFakeSource("v1", docU1)
	store := newStoreForTest(t, source)

	require.NoError(t, store.Refresh(context.Background()))
	require.NoError(t, store.Refresh(context.Background()))
	require.NoError(t, store.Refresh(context.Background()))

	assert.Equal(t, int64(1), source.fetchCalls.Load())
	assert.Equal(t, int64(3), source.fingerprintCalls.Load())
}

func TestStoreRefreshPicksUpChange(t *testing.T) {
	source := newFakeSource("v1", docU1)
	store := newStoreForTest(t, source)
	require.NoError(t, store.Refresh(context.Background()))

	source.fingerprint.Store("v2")
	source.doc.Store([]byte(docU2))
	require.NoError(t, store.Refresh(context.Background()))

	_, ok := store.Mapping(context.Background(), "u1")
	assert.False(t, ok)
	req, ok := store.Mapping(context.Background(), "u2")
	require.True(t, ok)
	assert.Equal(t, "arn:aws:iam::123:role/u2", req.RoleArn)
}

// Fetch and parse failures keep the previous snapshot serving.
func TestStoreRefreshFailureKeepsSnapshot(t *testing.T) {
	source := newFakeSource("v1", docU1)
	store := newStoreForTest(t, source)
	require.NoError(t, store.Refresh(context.Background()))

	source.fingerprint.Store("v2")
	source.fetchErr = errors.New("s3 down")
	assert.Error(t, store.Refresh(context.Background()))

	req, ok := store.Mapping(context.Background(), "u1")
	require.True(t, ok)
	assert.Equal(t, "arn:aws:iam::123:role/u1", req.RoleArn)
}

func TestStoreRefreshBadDocumentKeepsSnapshot(t *testing.T) {
	source := newFakeSource("v1", docU1)
	store := newStoreForTest(t, source)
	require.NoError(t, store.Refresh(context.Background()))

	source.fingerprint.Store("v2")
	source.doc.Store([]byte("not json"))
	assert.Error(t, store.Refresh(context.Background()))

	// A failed parse must not advance the fingerprint; the next refresh
	// retries the new version.
	source.doc.Store([]byte(docU2))
	require.NoError(t, store.Refresh(context.Background()))
	_, ok := store.Mapping(context.Background(), "u2")
	assert.True(t, ok)
}

type panickyProvider struct{}

func (panickyProvider) Mapping(context.Context, string) (RoleRequest, bool) {
	panic("provider bug")
}

func (panickyProvider) Load([]byte) error {
	panic("provider bug")
}

// A misbehaving pluggable provider is isolated from the serving path.
func TestStoreIsolatesProviderPanics(t *testing.T) {
	store := NewStore(panickyProvider{}, newFakeSource("v1", docU1), time.Minute)

	assert.NotPanics(t, func() {
		_, ok := store.Mapping(context.Background(), "u1")
		assert.False(t, ok)
	})
	assert.NotPanics(t, func() {
		assert.Error(t, store.Refresh(context.Background()))
	})
}
