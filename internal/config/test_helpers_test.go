package config

import (
	"os"
	"path/filepath"
	"testing"
)

const shopSiteBlock = `
[[Site]]
Name = "shopsync"
Domain = "shopsync.local"
Upstream = "https://shopsync.example.com"
`

func testConfigPath(t *testing.T, name string) string {
	t.Helper()
	return filepath.Join("testdata", name)
}

// writeSiteConfig 写入全局段加一个 shopsync 站点，manifestPath 为空时使用 manifest.json。
func writeSiteConfig(t *testing.T, global, manifestPath string) string {
	t.Helper()
	if manifestPath == "" {
		manifestPath = "manifest.json"
	}
	content := global + shopSiteBlock + "ManifestPath = \"" + manifestPath + "\"\n"
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("写入临时配置失败: %v", err)
	}
	return path
}
