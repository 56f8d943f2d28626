package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// NewBoltStorage 打开（或创建）path 处的 bbolt 文件，每个缓存桶对应一个 bolt bucket，
// 条目键为请求身份字符串。
func NewBoltStorage(path string, opts Options) (Storage, error) {
	if path == "" {
		return nil, errors.New("storage path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage path: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{
		Timeout:      10 * time.Second,
		FreelistType: bolt.FreelistArrayType,
	})
	if err != nil {
		return nil, fmt.Errorf("open bolt storage: %w", err)
	}

	c, err := newCodec(opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStorage{db: db, codec: c}, nil
}

type boltStorage struct {
	db    *bolt.DB
	codec *codec
}

type boltBucket struct {
	storage *boltStorage
	name    string
}

func (s *boltStorage) Open(ctx context.Context, name string) (Bucket, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := validateBucketName(name); err != nil {
		return nil, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(name))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &boltBucket{storage: s, name: name}, nil
}

func (s *boltStorage) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	deleted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		deleted = true
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return false, fmt.Errorf("delete bucket %s: %w", name, err)
	}
	return deleted, nil
}

func (s *boltStorage) Has(ctx context.Context, name string) (bool, error) {
	if err := validateBucketName(name); err != nil {
		return false, err
	}
	exists := false
	err := s.db.View(func(tx *bolt.Tx) error {
		exists = tx.Bucket([]byte(name)) != nil
		return nil
	})
	return exists, err
}

func (s *boltStorage) Close() error {
	s.codec.close()
	return s.db.Close()
}

func (b *boltBucket) Name() string {
	return b.name
}

func (b *boltBucket) Match(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := b.storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		if raw := bucket.Get([]byte(req.Identity())); raw != nil {
			// bolt 返回的切片只在事务内有效
			data = append([]byte(nil), raw...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, ErrNotFound
	}
	_, resp, err := b.storage.codec.decode(data)
	return resp, err
}

func (b *boltBucket) Put(ctx context.Context, req Request, resp *Response) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := b.storage.codec.encode(req, resp)
	if err != nil {
		return err
	}
	return b.storage.db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(b.name))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(req.Identity()), data)
	})
}

func (b *boltBucket) Delete(ctx context.Context, req Request) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	err := b.storage.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		key := []byte(req.Identity())
		if bucket.Get(key) == nil {
			return nil
		}
		deleted = true
		return bucket.Delete(key)
	})
	return deleted, err
}

func (b *boltBucket) Keys(ctx context.Context) ([]Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var keys []Request
	err := b.storage.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(b.name))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, v []byte) error {
			req, err := b.storage.codec.decodeKey(v)
			if err != nil {
				return err
			}
			keys = append(keys, req)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortRequests(keys)
	return keys, nil
}
