package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const tempPrefix = ".cache-"

// NewFSStorage 以 root 为根目录构建目录树缓存，布局为：
//
//	<root>/<bucket>/<hash[0:2]>/<blake3(identity)>
//
// 每个文件是一个完整的 msgpack 条目。
func NewFSStorage(fsys afero.Fs, root string, opts Options) (Storage, error) {
	if fsys == nil {
		return nil, errors.New("filesystem required")
	}
	if root == "" {
		return nil, errors.New("storage path required")
	}
	if err := fsys.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	c, err := newCodec(opts)
	if err != nil {
		return nil, err
	}

	return &fsStorage{
		fs:    fsys,
		root:  root,
		codec: c,
		locks: make(map[string]*entryLock),
	}, nil
}

// fsStorage 通过 entryLock 避免同一条目并发写入。
type fsStorage struct {
	fs    afero.Fs
	root  string
	codec *codec

	mu    sync.Mutex
	locks map[string]*entryLock
}

type entryLock struct {
	mu   sync.Mutex
	refs int
}

type fsBucket struct {
	storage *fsStorage
	name    string
	dir     string
}

func (s *fsStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, name)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &fsBucket{storage: s, name: name, dir: dir}, nil
}

func (s *fsStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	dir := filepath.Join(s.root, name)
	exists, err := afero.DirExists(s.fs, dir)
	if err != nil || !exists {
		return false, err
	}
	if err := s.fs.RemoveAll(dir); err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return true, nil
}

func (s *fsStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	return afero.DirExists(s.fs, filepath.Join(s.root, name))
}

func (s *fsStorage) Close() error {
	s.codec.close()
	return nil
}

func (b *fsBucket) Name() string {
	return b.name
}

func (b *fsBucket) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := afero.ReadFile(b.storage.fs, b.entryPath(req))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	stored, resp, err := b.storage.codec.decode(data)
	if err != nil {
		return nil, err
	}
	if stored.Identity() != req.Identity() {
		return nil, ErrNotFound
	}
	return resp, nil
}

func (b *fsBucket) Put(ctx context.Context, req Request, resp *Response) error {
	data, err := b.storage.codec.encode(req, resp)
	if err != nil {
		return err
	}

	unlock := b.storage.lockEntry(b.name, req)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	filePath := b.entryPath(req)
	dir := filepath.Dir(filePath)
	if err := b.storage.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tempFile, err := afero.TempFile(b.storage.fs, dir, tempPrefix+"*")
	if err != nil {
		return err
	}
	tempName := tempFile.Name()

	_, err = tempFile.Write(data)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = b.storage.fs.Remove(tempName)
		return err
	}

	if err := b.storage.fs.Rename(tempName, filePath); err != nil {
		_ = b.storage.fs.Remove(tempName)
		return err
	}
	return nil
}

func (b *fsBucket) Delete(ctx context.Context, req Request) (bool, error) {
	unlock := b.storage.lockEntry(b.name, req)
	defer unlock()

	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := b.storage.fs.Remove(b.entryPath(req)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (b *fsBucket) Keys(ctx context.Context) ([]Request, error) {
	exists, err := afero.DirExists(b.storage.fs, b.dir)
	if err != nil || !exists {
		return nil, err
	}

	var keys []Request
	err = afero.Walk(b.storage.fs, b.dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if errors.Is(walkErr, fs.ErrNotExist) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() || strings.HasPrefix(info.Name(), tempPrefix) {
			return nil
		}
		data, err := afero.ReadFile(b.storage.fs, path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		req, err := b.storage.codec.decodeKey(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		keys = append(keys, req)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRequests(keys)
	return keys, nil
}

func (b *fsBucket) entryPath(req Request) string {
	hash := identityHash(req)
	return filepath.Join(b.dir, hash[:2], hash)
}

func (s *fsStorage) lockEntry(bucket string, req Request) func() {
	key := bucket + "::" + req.Identity()
	s.mu.Lock()
	lock := s.locks[key]
	if lock == nil {
		lock = &entryLock{}
		s.locks[key] = lock
	}
	lock.refs++
	s.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		s.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(s.locks, key)
		}
		s.mu.Unlock()
	}
}

func sortRequests(keys []Request) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].URL == keys[j].URL {
			return keys[i].Method < keys[j].Method
		}
		return keys[i].URL < keys[j].URL
	})
}
