package manifest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// DefaultWorkerFile 是构建产物里 service worker 自身的文件名，不进入清单。
const DefaultWorkerFile = "flutter_service_worker.js"

// GenerateOptions 控制从构建目录生成清单时忽略的文件。
type GenerateOptions struct {
	// Exclude 按相对路径（斜杠分隔）排除文件，默认只排除 DefaultWorkerFile。
	Exclude []string
}

// Generate 遍历 dir 下的所有常规文件，以 md5 作为校验和；存在 index.html 时
// 根键 "/" 复用其校验和。隐藏文件与目录被跳过。
// 键按路径段做 URL 转义，与浏览器请求的路径一致；Exclude 仍按原始文件名匹配。
func Generate(fsys afero.Fs, dir string, opts GenerateOptions) (Manifest, error) {
	exclude := map[string]struct{}{}
	if len(opts.Exclude) == 0 {
		exclude[DefaultWorkerFile] = struct{}{}
	}
	for _, entry := range opts.Exclude {
		exclude[NormalizeKey(entry)] = struct{}{}
	}

	m := Manifest{}
	err := afero.Walk(fsys, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if path != dir && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if _, skip := exclude[key]; skip {
			return nil
		}

		sum, err := fileChecksum(fsys, path)
		if err != nil {
			return fmt.Errorf("hash %s: %w", key, err)
		}
		m[escapeKey(key)] = sum
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sum, ok := m["index.html"]; ok {
		m[RootKey] = sum
	}
	return m, nil
}

// escapeKey 逐段转义斜杠分隔的相对路径，保留 "/" 作为分隔符。
func escapeKey(rel string) string {
	segments := strings.Split(rel, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return strings.Join(segments, "/")
}

func fileChecksum(fsys afero.Fs, path string) (string, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
