package cache

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/afero"
)

const testOrigin = "https://shopsync.example.com"

// storageFactories 让同一组行为断言覆盖所有驱动。
func storageFactories() map[string]func(t *testing.T, opts Options) Storage {
	return map[string]func(t *testing.T, opts Options) Storage{
		"fs-mem": func(t *testing.T, opts Options) Storage {
			t.Helper()
			s, err := NewFSStorage(afero.NewMemMapFs(), "/cache/shopsync", opts)
			if err != nil {
				t.Fatalf("create fs storage: %v", err)
			}
			return s
		},
		"fs-os": func(t *testing.T, opts Options) Storage {
			t.Helper()
			s, err := NewFSStorage(afero.NewOsFs(), t.TempDir(), opts)
			if err != nil {
				t.Fatalf("create fs storage: %v", err)
			}
			return s
		},
		"bolt": func(t *testing.T, opts Options) Storage {
			t.Helper()
			s, err := NewBoltStorage(filepath.Join(t.TempDir(), "shopsync.db"), opts)
			if err != nil {
				t.Fatalf("create bolt storage: %v", err)
			}
			return s
		},
	}
}

func forEachStorage(t *testing.T, opts Options, fn func(t *testing.T, s Storage)) {
	for name, factory := range storageFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t, opts)
			t.Cleanup(func() { _ = s.Close() })
			fn(t, s)
		})
	}
}

func TestBucketPutAndMatch(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		bucket := openBucket(t, s, "app-cache")
		req := NewRequest(testOrigin + "/main.dart.js")

		storedAt := time.Now().Add(-time.Hour).UTC().Truncate(time.Millisecond)
		resp := &Response{
			Status:   http.StatusOK,
			Header:   http.Header{"Content-Type": []string{"application/javascript"}},
			Body:     []byte("void main(){}"),
			StoredAt: storedAt,
		}
		if err := bucket.Put(ctx, req, resp); err != nil {
			t.Fatalf("put error: %v", err)
		}

		got, err := bucket.Match(ctx, req)
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(got.Body) != "void main(){}" {
			t.Fatalf("cached payload mismatch: %s", got.Body)
		}
		if got.Status != http.StatusOK || got.Header.Get("Content-Type") != "application/javascript" {
			t.Fatalf("status/header mismatch: %d %v", got.Status, got.Header)
		}
		if !got.StoredAt.Equal(storedAt) {
			t.Fatalf("stored_at mismatch: expected %v got %v", storedAt, got.StoredAt)
		}
	})
}

func TestBucketMatchMissing(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		bucket := openBucket(t, s, "app-cache")
		_, err := bucket.Match(context.Background(), NewRequest(testOrigin+"/missing.js"))
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestBucketKeyedByMethodAndURL(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		bucket := openBucket(t, s, "app-cache")
		get := NewRequest(testOrigin + "/index.html")
		head := Request{Method: http.MethodHead, URL: get.URL}
		if err := bucket.Put(ctx, get, &Response{Status: 200, Body: []byte("get")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if _, err := bucket.Match(ctx, head); !errors.Is(err, ErrNotFound) {
			t.Fatalf("不同方法不应命中同一条目，got %v", err)
		}
		if _, err := bucket.Match(ctx, NewRequest(get.URL+"?v=2")); !errors.Is(err, ErrNotFound) {
			t.Fatalf("不同 URL 不应命中同一条目，got %v", err)
		}
	})
}

func TestBucketDeleteAndKeys(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		bucket := openBucket(t, s, "app-cache")
		for _, path := range []string{"/b.js", "/a.js", "/"} {
			if err := bucket.Put(ctx, NewRequest(testOrigin+path), &Response{Status: 200, Body: []byte(path)}); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}

		keys, err := bucket.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		want := []string{testOrigin + "/", testOrigin + "/a.js", testOrigin + "/b.js"}
		if len(keys) != len(want) {
			t.Fatalf("expected %d keys, got %v", len(want), keys)
		}
		for i, key := range keys {
			if key.URL != want[i] || key.Method != http.MethodGet {
				t.Fatalf("key %d mismatch: %+v", i, key)
			}
		}

		deleted, err := bucket.Delete(ctx, NewRequest(testOrigin+"/a.js"))
		if err != nil || !deleted {
			t.Fatalf("delete should report existing entry: %v %v", deleted, err)
		}
		deleted, err = bucket.Delete(ctx, NewRequest(testOrigin+"/a.js"))
		if err != nil || deleted {
			t.Fatalf("second delete should report missing entry: %v %v", deleted, err)
		}
		keys, _ = bucket.Keys(ctx)
		if len(keys) != 2 {
			t.Fatalf("expected 2 keys after delete, got %v", keys)
		}
	})
}

func TestStorageDeleteBucket(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		content := openBucket(t, s, "app-cache")
		staging := openBucket(t, s, "app-temp-cache")
		req := NewRequest(testOrigin + "/index.html")
		if err := content.Put(ctx, req, &Response{Status: 200, Body: []byte("content")}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := staging.Put(ctx, req, &Response{Status: 200, Body: []byte("staging")}); err != nil {
			t.Fatalf("put error: %v", err)
		}

		deleted, err := s.Delete(ctx, "app-temp-cache")
		if err != nil || !deleted {
			t.Fatalf("delete bucket should succeed: %v %v", deleted, err)
		}
		if has, _ := s.Has(ctx, "app-temp-cache"); has {
			t.Fatalf("bucket should be gone after delete")
		}
		if deleted, _ := s.Delete(ctx, "app-temp-cache"); deleted {
			t.Fatalf("deleting a missing bucket should report false")
		}

		got, err := content.Match(ctx, req)
		if err != nil || string(got.Body) != "content" {
			t.Fatalf("其它桶不应受影响: %v", err)
		}

		reopened := openBucket(t, s, "app-temp-cache")
		if keys, _ := reopened.Keys(ctx); len(keys) != 0 {
			t.Fatalf("重新打开的桶应为空，got %v", keys)
		}
	})
}

func TestCompressedEntriesRoundTrip(t *testing.T) {
	forEachStorage(t, Options{Compress: true, CompressThreshold: 64}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		bucket := openBucket(t, s, "app-cache")
		large := bytes.Repeat([]byte("flutter "), 1024)
		small := []byte("tiny")
		if err := bucket.Put(ctx, NewRequest(testOrigin+"/large.js"), &Response{Status: 200, Body: large}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		if err := bucket.Put(ctx, NewRequest(testOrigin+"/small.js"), &Response{Status: 200, Body: small}); err != nil {
			t.Fatalf("put error: %v", err)
		}
		got, err := bucket.Match(ctx, NewRequest(testOrigin+"/large.js"))
		if err != nil || !bytes.Equal(got.Body, large) {
			t.Fatalf("large body mismatch: %v", err)
		}
		got, err = bucket.Match(ctx, NewRequest(testOrigin+"/small.js"))
		if err != nil || !bytes.Equal(got.Body, small) {
			t.Fatalf("small body mismatch: %v", err)
		}
	})
}

func TestCodecCompressesAboveThreshold(t *testing.T) {
	c, err := newCodec(Options{Compress: true, CompressThreshold: 16})
	if err != nil {
		t.Fatalf("codec error: %v", err)
	}
	defer c.close()

	body := []byte(strings.Repeat("a", 4096))
	data, err := c.encode(NewRequest(testOrigin+"/a.js"), &Response{Status: 200, Body: body})
	if err != nil {
		t.Fatalf("encode error: %v", err)
	}
	if len(data) >= len(body) {
		t.Fatalf("重复正文压缩后应更小: %d >= %d", len(data), len(body))
	}
	req, resp, err := c.decode(data)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if req.URL != testOrigin+"/a.js" || !bytes.Equal(resp.Body, body) {
		t.Fatalf("decode mismatch: %+v", req)
	}
}

func TestConcurrentPutsSameKey(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		ctx := context.Background()
		bucket := openBucket(t, s, "app-cache")
		req := NewRequest(testOrigin + "/")

		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := bucket.Put(ctx, req, &Response{Status: 200, Body: []byte("index")}); err != nil {
					t.Errorf("put error: %v", err)
				}
			}()
		}
		wg.Wait()

		keys, err := bucket.Keys(ctx)
		if err != nil || len(keys) != 1 {
			t.Fatalf("并发覆盖写入后应只剩一个条目: %v %v", keys, err)
		}
	})
}

func TestInvalidBucketName(t *testing.T) {
	forEachStorage(t, Options{}, func(t *testing.T, s Storage) {
		for _, name := range []string{"", "..", "a/b"} {
			if _, err := s.Open(context.Background(), name); !errors.Is(err, ErrInvalidBucketName) {
				t.Fatalf("expected ErrInvalidBucketName for %q, got %v", name, err)
			}
		}
	})
}

func TestResponseCloneIsIndependent(t *testing.T) {
	orig := &Response{Status: 200, Header: http.Header{"X-A": []string{"1"}}, Body: []byte("abc")}
	clone := orig.Clone()
	clone.Body[0] = 'z'
	clone.Header.Set("X-A", "2")
	if string(orig.Body) != "abc" || orig.Header.Get("X-A") != "1" {
		t.Fatalf("clone 应深拷贝")
	}
	if !orig.OK() || (&Response{Status: 404}).OK() {
		t.Fatalf("OK 判定错误")
	}
}

func openBucket(t *testing.T, s Storage, name string) Bucket {
	t.Helper()
	bucket, err := s.Open(context.Background(), name)
	if err != nil {
		t.Fatalf("open bucket %s: %v", name, err)
	}
	return bucket
}
