package main

import (
	"bytes"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

var repoRoot = findRepoRoot()

// findRepoRoot 自当前文件向上查找 go.mod 所在目录。
func findRepoRoot() string {
	_, file, _, ok := runtime.Caller(0)
	if !ok {
		return ""
	}
	for dir := filepath.Dir(file); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		if parent := filepath.Dir(dir); parent == dir {
			return ""
		}
	}
}

func configFixture(t *testing.T, name string) string {
	t.Helper()
	if repoRoot == "" {
		t.Fatal("无法定位项目根目录")
	}
	return filepath.Join(repoRoot, "internal", "config", "testdata", name)
}

// useBufferWriters 在测试期间把 stdOut/stdErr 换成内存缓冲。
func useBufferWriters(t *testing.T) {
	t.Helper()

	prevOut, prevErr := stdOut, stdErr
	stdOut, stdErr = &bytes.Buffer{}, &bytes.Buffer{}

	t.Cleanup(func() {
		stdOut, stdErr = prevOut, prevErr
	})
}

func stdOutBuffer() *bytes.Buffer {
	buf, _ := stdOut.(*bytes.Buffer)
	return buf
}

func stdErrBuffer() *bytes.Buffer {
	buf, _ := stdErr.(*bytes.Buffer)
	return buf
}
