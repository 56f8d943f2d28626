package worker

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/offline-hub/offline-hub/internal/cache"
	"github.com/offline-hub/offline-hub/internal/manifest"
	"github.com/offline-hub/offline-hub/internal/upstream"
)

const testOrigin = "https://shopsync.example.com"

var errOffline = errors.New("network unreachable")

var testBuckets = Buckets{
	Staging:  "app-temp-cache",
	Content:  "app-cache",
	Manifest: "app-manifest",
}

// fakeNetwork 按 URL 返回预设正文，记录每次调用及其模式。
type fakeNetwork struct {
	mu      sync.Mutex
	bodies  map[string]string
	status  map[string]int
	failing map[string]bool
	offline bool
	calls   []fetchCall
}

type fetchCall struct {
	url  string
	mode upstream.Mode
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		bodies:  map[string]string{},
		status:  map[string]int{},
		failing: map[string]bool{},
	}
}

// serve 为清单键注册一个响应正文。
func (n *fakeNetwork) serve(key, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.bodies[URLFor(testOrigin, key)] = body
}

func (n *fakeNetwork) fail(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failing[URLFor(testOrigin, key)] = true
}

func (n *fakeNetwork) setOffline(offline bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.offline = offline
}

func (n *fakeNetwork) Fetch(ctx context.Context, req cache.Request, mode upstream.Mode) (*cache.Response, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, fetchCall{url: req.URL, mode: mode})
	url := URLFor(testOrigin, KeyFor(testOrigin, req.URL))
	if n.offline || n.failing[url] {
		return nil, errOffline
	}
	body, ok := n.bodies[url]
	if !ok {
		return &cache.Response{Status: http.StatusNotFound, Header: http.Header{}, Body: []byte("not found")}, nil
	}
	status := http.StatusOK
	if s, ok := n.status[url]; ok {
		status = s
	}
	return &cache.Response{Status: status, Header: http.Header{}, Body: []byte(body)}, nil
}

func (n *fakeNetwork) callCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func (n *fakeNetwork) resetCalls() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = nil
}

func (n *fakeNetwork) callURLs() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	urls := make([]string, len(n.calls))
	for i, call := range n.calls {
		urls[i] = call.url
	}
	return urls
}

type fakeHost struct {
	mu          sync.Mutex
	skipWaiting int
	claimed     int
}

func (h *fakeHost) SkipWaiting() {
	h.mu.Lock()
	h.skipWaiting++
	h.mu.Unlock()
}

func (h *fakeHost) ClaimClients() {
	h.mu.Lock()
	h.claimed++
	h.mu.Unlock()
}

// failingStorage 在指定桶上让 Keys 失败，用于触发激活阶段的异常路径。
type failingStorage struct {
	cache.Storage
	failKeys string
}

type failingBucket struct {
	cache.Bucket
}

func (s *failingStorage) Open(ctx context.Context, name string) (cache.Bucket, error) {
	bucket, err := s.Storage.Open(ctx, name)
	if err != nil || name != s.failKeys {
		return bucket, err
	}
	return failingBucket{Bucket: bucket}, nil
}

func (b failingBucket) Keys(ctx context.Context) ([]cache.Request, error) {
	return nil, errors.New("disk I/O error")
}

type harness struct {
	storage cache.Storage
	network *fakeNetwork
	host    *fakeHost
	logger  *logrus.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	storage, err := cache.NewFSStorage(afero.NewMemMapFs(), "/cache/shopsync", cache.Options{})
	if err != nil {
		t.Fatalf("storage error: %v", err)
	}
	t.Cleanup(func() { _ = storage.Close() })

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	return &harness{
		storage: storage,
		network: newFakeNetwork(),
		host:    &fakeHost{},
		logger:  logger,
	}
}

func (h *harness) worker(t *testing.T, m manifest.Manifest, shell ...string) *Worker {
	t.Helper()
	w, err := New(Options{
		Site:     "shopsync",
		Version:  "test",
		Origin:   testOrigin,
		Manifest: m,
		Shell:    manifest.NewShell(shell),
		Buckets:  testBuckets,
		Storage:  h.storage,
		Network:  h.network,
		Host:     h.host,
		Logger:   h.logger,
	})
	if err != nil {
		t.Fatalf("new worker: %v", err)
	}
	return w
}

func (h *harness) bucket(t *testing.T, name string) cache.Bucket {
	t.Helper()
	b, err := h.storage.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open %s: %v", name, err)
	}
	return b
}

// seed 直接向桶写入条目，模拟之前版本遗留的缓存。
func (h *harness) seed(t *testing.T, name, key, body string) {
	t.Helper()
	req := cache.NewRequest(URLFor(testOrigin, key))
	if err := h.bucket(t, name).Put(context.Background(), req, &cache.Response{Status: 200, Body: []byte(body)}); err != nil {
		t.Fatalf("seed %s: %v", key, err)
	}
}

// contents 以 清单键 → 正文 的形式返回桶内容。
func (h *harness) contents(t *testing.T, name string) map[string]string {
	t.Helper()
	ctx := context.Background()
	b := h.bucket(t, name)
	keys, err := b.Keys(ctx)
	if err != nil {
		t.Fatalf("keys %s: %v", name, err)
	}
	result := make(map[string]string, len(keys))
	for _, req := range keys {
		resp, err := b.Match(ctx, req)
		if err != nil {
			t.Fatalf("match %s: %v", req.URL, err)
		}
		result[KeyFor(testOrigin, req.URL)] = string(resp.Body)
	}
	return result
}

func (h *harness) hasBucket(t *testing.T, name string) bool {
	t.Helper()
	ok, err := h.storage.Has(context.Background(), name)
	if err != nil {
		t.Fatalf("has %s: %v", name, err)
	}
	return ok
}

func (h *harness) storedManifest(t *testing.T) manifest.Manifest {
	t.Helper()
	resp, err := h.bucket(t, testBuckets.Manifest).Match(context.Background(), cache.NewRequest(testOrigin+"/manifest"))
	if err != nil {
		t.Fatalf("read stored manifest: %v", err)
	}
	m, err := manifest.Parse(resp.Body)
	if err != nil {
		t.Fatalf("parse stored manifest: %v", err)
	}
	return m
}
