package didauth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	didauth "github.com/goliatone/go-didauth"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type testKey struct {
	DID  string
	Priv ed25519.PrivateKey
}

func newTestKey(t *testing.T) testKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return testKey{DID: didauth.DIDFromPublicKey(pub), Priv: priv}
}

var nonceSeq struct {
	sync.Mutex
	n int
}

func nextNonce() string {
	nonceSeq.Lock()
	defer nonceSeq.Unlock()
	nonceSeq.n++
	return "nonce-" + strconv.Itoa(nonceSeq.n)
}

// challenge signs a fresh challenge for k, binding extra fields in order
func (k testKey) challenge(now time.Time, extra ...string) didauth.SignedChallenge {
	nonce := nextNonce()
	ts := strconv.FormatInt(now.UnixMilli(), 10)
	return didauth.SignedChallenge{
		DID:       k.DID,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: didauth.SignChallenge(k.Priv, k.DID, nonce, ts, extra...),
	}
}

// memIdentities is an in-memory IdentityStore with the same revision rules
// as the bun store.
type memIdentities struct {
	mu   sync.Mutex
	docs map[string]*didauth.Identity
	// conflicts forces the next N writes to fail with a revision conflict
	conflicts int
	writes    int
}

func newMemIdentities() *memIdentities {
	return &memIdentities{docs: map[string]*didauth.Identity{}}
}

func notFound(did string) error {
	return didauth.ErrIdentityNotFound.Clone().WithMetadata(map[string]any{"did": did})
}

func revConflict(did string) error {
	return didauth.ErrRevisionConflict.Clone().WithMetadata(map[string]any{"did": did})
}

func (m *memIdentities) Get(_ context.Context, did string) (*didauth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[did]
	if !ok {
		return nil, notFound(did)
	}
	return doc.Clone(), nil
}

func (m *memIdentities) List(_ context.Context) ([]*didauth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*didauth.Identity, 0, len(m.docs))
	for _, doc := range m.docs {
		out = append(out, doc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DID < out[j].DID })
	return out, nil
}

func (m *memIdentities) Create(_ context.Context, identity *didauth.Identity) (*didauth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[identity.DID]; ok {
		return nil, revConflict(identity.DID)
	}
	doc := identity.Clone()
	doc.Rev = didauth.NextRevision("")
	if !doc.InstanceStatus.IsValid() {
		doc.InstanceStatus = didauth.InstancePending
	}
	m.docs[doc.DID] = doc
	m.writes++
	return doc.Clone(), nil
}

func (m *memIdentities) Update(_ context.Context, identity *didauth.Identity) (*didauth.Identity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[identity.DID]
	if !ok {
		return nil, notFound(identity.DID)
	}
	if m.conflicts > 0 {
		m.conflicts--
		current.Rev = didauth.NextRevision(current.Rev)
		return nil, revConflict(identity.DID)
	}
	if current.Rev != identity.Rev {
		return nil, revConflict(identity.DID)
	}
	doc := identity.Clone()
	doc.Rev = didauth.NextRevision(identity.Rev)
	m.docs[doc.DID] = doc
	m.writes++
	return doc.Clone(), nil
}

func (m *memIdentities) Delete(_ context.Context, did, rev string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.docs[did]
	if !ok {
		return notFound(did)
	}
	if current.Rev != rev {
		return revConflict(did)
	}
	delete(m.docs, did)
	m.writes++
	return nil
}

func (m *memIdentities) put(doc *didauth.Identity) *didauth.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := doc.Clone()
	if stored.Rev == "" {
		stored.Rev = didauth.NextRevision("")
	}
	m.docs[stored.DID] = stored
	return stored.Clone()
}

func (m *memIdentities) status(t *testing.T, did string) didauth.InstanceStatus {
	t.Helper()
	doc, err := m.Get(context.Background(), did)
	require.NoError(t, err)
	return doc.InstanceStatus
}

func (m *memIdentities) has(did string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.docs[did]
	return ok
}

// fakeProvisioner records every spec it is asked to start. Each started
// process exits when the test calls exit on its handle.
type fakeProvisioner struct {
	mu      sync.Mutex
	specs   []didauth.ProvisionSpec
	handles []*fakeHandle
}

func (p *fakeProvisioner) Start(_ context.Context, spec didauth.ProvisionSpec) (didauth.Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.specs = append(p.specs, spec)
	h := &fakeHandle{pid: 1000 + len(p.handles), code: make(chan int, 1)}
	p.handles = append(p.handles, h)
	return h, nil
}

func (p *fakeProvisioner) started() []didauth.ProvisionSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]didauth.ProvisionSpec(nil), p.specs...)
}

func (p *fakeProvisioner) handle(t *testing.T, i int) *fakeHandle {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.Greater(t, len(p.handles), i)
	return p.handles[i]
}

type fakeHandle struct {
	pid  int
	code chan int
}

func (h *fakeHandle) PID() int { return h.pid }

func (h *fakeHandle) Wait(ctx context.Context) (int, error) {
	select {
	case code := <-h.code:
		return code, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

func (h *fakeHandle) exit(code int) {
	h.code <- code
}

type mockProvisioner struct {
	mock.Mock
}

func (m *mockProvisioner) Start(ctx context.Context, spec didauth.ProvisionSpec) (didauth.Handle, error) {
	args := m.Called(ctx, spec)
	h, _ := args.Get(0).(didauth.Handle)
	return h, args.Error(1)
}

type mockClaimCodes struct {
	mock.Mock
}

func (m *mockClaimCodes) Bootstrap(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockClaimCodes) Redeem(ctx context.Context, code, did string) (bool, error) {
	args := m.Called(ctx, code, did)
	return args.Bool(0), args.Error(1)
}

// drain waits for every watcher started so far to apply its exit signal
func drain(t *testing.T, o didauth.ProvisioningOrchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Drain(ctx))
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// lineLogger keeps every formatted line
type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, fmt.Sprintf(format, args...))
}

func (l *lineLogger) Debug(format string, args ...any) { l.add(format, args...) }
func (l *lineLogger) Info(format string, args ...any)  { l.add(format, args...) }
func (l *lineLogger) Warn(format string, args ...any)  { l.add(format, args...) }
func (l *lineLogger) Error(format string, args ...any) { l.add(format, args...) }

func (l *lineLogger) joined() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return strings.Join(l.lines, "\n")
}

type recordingSink struct {
	mu     sync.Mutex
	events []didauth.ActivityEvent
}

func (s *recordingSink) Record(_ context.Context, event didauth.ActivityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) types() []didauth.ActivityEventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]didauth.ActivityEventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.EventType)
	}
	return out
}
