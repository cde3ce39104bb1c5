package filesystem

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"docbatch/pkg/contract"
)

func collect(t *testing.T, r *FileSystem, roots ...string) []string {
	t.Helper()
	var ids []string
	err := r.Iterate(context.Background(), roots, func(id contract.DocID, rc io.ReadCloser) error {
		ids = append(ids, string(id))
		return rc.Close()
	})
	require.NoError(t, err)
	return ids
}

func write(t *testing.T, p, s string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(s), 0o644))
}

// UT-RDR-01 读取单文件，DocID 规范化
func TestIterateSingleFile(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	write(t, fp, "hello")
	var got []byte
	err := New(nil).Iterate(context.Background(), []string{fp}, func(id contract.DocID, rc io.ReadCloser) error {
		defer rc.Close()
		assert.Equal(t, contract.NormalizeDocID(fp), id)
		b, err := io.ReadAll(rc)
		got = b
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))
}

// UT-RDR-02 目录顺序稳定：先子目录后文件，字典序
func TestIterateOrder(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "b.pdf"), "b")
	write(t, filepath.Join(dir, "a.pdf"), "a")
	write(t, filepath.Join(dir, "sub", "c.pdf"), "c")
	ids := collect(t, New(nil), dir)
	var base []string
	for _, id := range ids {
		base = append(base, strings.TrimPrefix(id, string(contract.NormalizeDocID(dir))+"/"))
	}
	assert.Equal(t, []string{"sub/c.pdf", "a.pdf", "b.pdf"}, base)
}

// UT-RDR-03 扩展名过滤（大小写不敏感）、隐藏文件与排除目录
func TestFilters(t *testing.T) {
	dir := t.TempDir()
	write(t, filepath.Join(dir, "keep.PDF"), "k")
	write(t, filepath.Join(dir, "note.md"), "n")
	write(t, filepath.Join(dir, ".hidden.pdf"), "h")
	write(t, filepath.Join(dir, ".cache", "x.pdf"), "x")
	write(t, filepath.Join(dir, "skip", "bad.pdf"), "b")

	r := New(&Options{Extensions: []string{"pdf", ".TXT"}, ExcludeDirNames: []string{"SKIP"}})
	ids := collect(t, r, dir)
	require.Len(t, ids, 1)
	assert.True(t, strings.HasSuffix(ids[0], "keep.PDF"))

	// 单文件 root 不受扩展名限制
	ids = collect(t, r, filepath.Join(dir, "note.md"))
	assert.Len(t, ids, 1)

	ids = collect(t, New(&Options{IncludeHidden: true}), dir)
	assert.Len(t, ids, 5)
}

// UT-RDR-04 '-' 读取 STDIN；混用报错
func TestIterateStdin(t *testing.T) {
	r := New(nil)
	err := r.Iterate(context.Background(), []string{"-", "a"}, func(contract.DocID, io.ReadCloser) error { return nil })
	assert.Error(t, err)

	old := os.Stdin
	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	os.Stdin = pr
	defer func() { os.Stdin = old }()
	go func() {
		_, _ = pw.Write([]byte("hi"))
		_ = pw.Close()
	}()
	var data []byte
	err = r.Iterate(context.Background(), []string{"-"}, func(id contract.DocID, rc io.ReadCloser) error {
		defer rc.Close()
		assert.Equal(t, contract.DocID("stdin"), id)
		data, _ = io.ReadAll(rc)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", string(data))
}

// UT-RDR-05 取消、缺失路径、yield 错误透传
func TestErrors(t *testing.T) {
	dir := t.TempDir()
	fp := filepath.Join(dir, "a.txt")
	write(t, fp, "x")
	r := New(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Iterate(ctx, []string{fp}, func(contract.DocID, io.ReadCloser) error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))

	err = r.Iterate(context.Background(), []string{filepath.Join(dir, "missing")}, func(contract.DocID, io.ReadCloser) error { return nil })
	assert.Error(t, err)

	boom := errors.New("boom")
	err = r.Iterate(context.Background(), []string{dir}, func(contract.DocID, io.ReadCloser) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestNewBufferedCloserDefault(t *testing.T) {
	bc := newBufferedCloser(io.NopCloser(strings.NewReader("")), 0)
	require.NotNil(t, bc.Reader)
	assert.NoError(t, bc.Close())
}
