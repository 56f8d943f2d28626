package cache

import (
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"
)

// envelope 是落盘的条目格式，两种驱动共用。
type envelope struct {
	Method     string              `msgpack:"method"`
	URL        string              `msgpack:"url"`
	Status     int                 `msgpack:"status"`
	Header     map[string][]string `msgpack:"header"`
	Body       []byte              `msgpack:"body"`
	Compressed bool                `msgpack:"compressed"`
	StoredAt   int64               `msgpack:"stored_at"`
}

// envelopeKey 只解码请求部分，Keys 枚举时不必解压正文。
type envelopeKey struct {
	Method string `msgpack:"method"`
	URL    string `msgpack:"url"`
}

type codec struct {
	opts    Options
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	now     func() time.Time
}

func newCodec(opts Options) (*codec, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &codec{
		opts:    opts,
		encoder: encoder,
		decoder: decoder,
		now:     time.Now,
	}, nil
}

func (c *codec) close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

func (c *codec) encode(req Request, resp *Response) ([]byte, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil response for %s", req.Identity())
	}
	storedAt := resp.StoredAt
	if storedAt.IsZero() {
		storedAt = c.now().UTC()
	}
	env := envelope{
		Method:   req.Method,
		URL:      req.URL,
		Status:   resp.Status,
		Header:   map[string][]string(resp.Header),
		Body:     resp.Body,
		StoredAt: storedAt.UnixNano(),
	}
	if c.opts.Compress && len(resp.Body) > 0 && len(resp.Body) >= c.opts.CompressThreshold {
		env.Body = c.encoder.EncodeAll(resp.Body, nil)
		env.Compressed = true
	}
	return msgpack.Marshal(&env)
}

func (c *codec) decode(data []byte) (Request, *Response, error) {
	var env envelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Request{}, nil, fmt.Errorf("decode cache entry: %w", err)
	}
	body := env.Body
	if env.Compressed {
		decoded, err := c.decoder.DecodeAll(env.Body, nil)
		if err != nil {
			return Request{}, nil, fmt.Errorf("decompress cache entry: %w", err)
		}
		body = decoded
	}
	resp := &Response{
		Status:   env.Status,
		Header:   http.Header(env.Header),
		Body:     body,
		StoredAt: time.Unix(0, env.StoredAt).UTC(),
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	return Request{Method: env.Method, URL: env.URL}, resp, nil
}

func (c *codec) decodeKey(data []byte) (Request, error) {
	var key envelopeKey
	if err := msgpack.Unmarshal(data, &key); err != nil {
		return Request{}, fmt.Errorf("decode cache key: %w", err)
	}
	return Request{Method: key.Method, URL: key.URL}, nil
}

// identityHash 返回请求身份的 blake3 十六进制摘要，用作文件名。
func identityHash(req Request) string {
	sum := blake3.Sum256([]byte(req.Identity()))
	return hex.EncodeToString(sum[:])
}
