package manifest

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// RootKey 代表站点根路径（入口文档），总是走 online-first。
const RootKey = "/"

// ErrInvalidShell 表示 shell 列表中存在清单之外的条目。
var ErrInvalidShell = errors.New("shell entry not in manifest")

// Manifest 是资源键到内容校验和的映射，单个 worker 版本内不可变。
type Manifest map[string]string

// Shell 是安装阶段必须预取的资源键，有序。
type Shell []string

// NormalizeKey 去掉前导斜杠，空串与 "/" 统一为 RootKey。
func NormalizeKey(raw string) string {
	key := strings.TrimSpace(raw)
	if key == "" || key == RootKey {
		return RootKey
	}
	key = strings.TrimPrefix(key, "/")
	if key == "" {
		return RootKey
	}
	return key
}

// Parse 解析扁平 JSON 对象 {"<path>": "<checksum>"}，并对键做归一化。
func Parse(data []byte) (Manifest, error) {
	var raw map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}

	m := make(Manifest, len(raw))
	for key, checksum := range raw {
		if strings.TrimSpace(checksum) == "" {
			return nil, fmt.Errorf("manifest key %q has empty checksum", key)
		}
		normalized := NormalizeKey(key)
		if prev, exists := m[normalized]; exists && prev != checksum {
			return nil, fmt.Errorf("manifest key %q conflicts after normalization", key)
		}
		m[normalized] = checksum
	}
	return m, nil
}

// Load 从 fsys 读取清单文件。
func Load(fsys afero.Fs, path string) (Manifest, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	m, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return m, nil
}

// Encode 输出按键排序的 JSON，相同内容总是得到相同字节。
func Encode(m Manifest) ([]byte, error) {
	if m == nil {
		m = Manifest{}
	}
	return json.Marshal(map[string]string(m))
}

// Has 报告 key 是否在清单中。
func (m Manifest) Has(key string) bool {
	_, ok := m[key]
	return ok
}

// Keys 返回排序后的资源键。
func (m Manifest) Keys() []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// NewShell 归一化 shell 条目，保持原有顺序。
func NewShell(entries []string) Shell {
	shell := make(Shell, 0, len(entries))
	for _, entry := range entries {
		shell = append(shell, NormalizeKey(entry))
	}
	return shell
}

// Validate 确认每个 shell 条目都存在于清单中。
func (m Manifest) Validate(shell Shell) error {
	for _, entry := range shell {
		if !m.Has(entry) {
			return fmt.Errorf("%w: %s", ErrInvalidShell, entry)
		}
	}
	return nil
}

// Version 计算 worker 版本标识：清单规范编码与 shell 列表的 blake3 摘要。
func Version(m Manifest, shell Shell) (string, error) {
	encoded, err := Encode(m)
	if err != nil {
		return "", err
	}
	h := blake3.New()
	_, _ = h.Write(encoded)
	for _, entry := range shell {
		_, _ = h.Write([]byte{'\n'})
		_, _ = h.Write([]byte(entry))
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
