package cmd

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run 每次都用新的命令树, 和真实的一次进程调用一样
func run(t *testing.T, dsn string, args ...string) (string, error) {
	t.Helper()
	root := NewRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--dsn", dsn, "--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCommands_Lifecycle(t *testing.T) {
	chdir(t, t.TempDir())
	dsn := filepath.Join(t.TempDir(), "cli.db")

	out, err := run(t, dsn, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "migrated sqlite database")

	out, err = run(t, dsn, "definitions")
	require.NoError(t, err)
	assert.Contains(t, out, "approval_workflow")
	assert.Contains(t, out, "order_batch")

	out, err = run(t, dsn, "start", "approval_workflow", "--input", `{"applicant":"li","amount":300}`)
	require.NoError(t, err)
	assert.Contains(t, out, "workflow instance 1 created")

	out, err = run(t, dsn, "status", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 1 [approval_workflow] pending")

	out, err = run(t, dsn, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "approval_workflow@1")
	assert.Contains(t, out, "total: 1")

	out, err = run(t, dsn, "cancel", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 1 cancelled")

	out, err = run(t, dsn, "restart", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 1 restarted as 2")

	// 原实例保持取消状态
	out, err = run(t, dsn, "status", "1")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 1 [approval_workflow] cancelled")
	out, err = run(t, dsn, "status", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 2 [approval_workflow] pending")
	assert.Contains(t, out, "restarted from: 1")

	out, err = run(t, dsn, "monitor", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"workflow_counts"`)
}

func TestCommands_StartRun(t *testing.T) {
	chdir(t, t.TempDir())
	dsn := filepath.Join(t.TempDir(), "run.db")

	out, err := run(t, dsn, "start", "order_batch", "--run", "--input", `{"orders":[{"sku":"a"},{"sku":"b"}]}`)
	require.NoError(t, err)
	assert.Contains(t, out, "workflow 1 [order_batch] completed")
	assert.Contains(t, out, "process")
	assert.Contains(t, out, "notify")
}

func TestCommands_InvalidInput(t *testing.T) {
	chdir(t, t.TempDir())
	dsn := filepath.Join(t.TempDir(), "bad.db")

	_, err := run(t, dsn, "start", "approval_workflow", "--input", `[1,2]`)
	assert.Error(t, err)

	_, err = run(t, dsn, "status", "abc")
	assert.Error(t, err)

	_, err = run(t, dsn, "signal", "1")
	assert.Error(t, err)
}

func TestParseJSONObject(t *testing.T) {
	m, err := parseJSONObject("input", "")
	require.NoError(t, err)
	assert.Nil(t, m)

	path := filepath.Join(t.TempDir(), "in.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"a":1}`), 0o600))
	m, err = parseJSONObject("input", "@"+path)
	require.NoError(t, err)
	assert.Equal(t, float64(1), m["a"])

	_, err = parseJSONObject("input", "@"+filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

// chdir 切换工作目录并在测试结束时恢复 (等价于 Go 1.24 的 t.Chdir)
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}
