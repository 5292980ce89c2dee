package action

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPath = map[string]any{"PATH": "/usr/local/bin:/usr/bin:/bin"}

func newTestCommand(t *testing.T, with map[string]any) Procedure {
	t.Helper()
	if _, ok := with["env"]; !ok {
		with["env"] = testPath
	}
	p, err := NewCommand(with, t.TempDir(), nil)
	require.NoError(t, err)
	return p
}

func TestCommand_CollectsFileOutput(t *testing.T) {
	p := newTestCommand(t, map[string]any{
		"run":     "printf 'hello' > out.txt",
		"outputs": map[string]any{"greeting": "out.txt"},
	})

	out, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), out["greeting"])
}

func TestCommand_EnvironmentIsAllowlisted(t *testing.T) {
	t.Setenv("STAGEFLOW_SECRET", "leaked")
	p := newTestCommand(t, map[string]any{
		"run":     `printf '%s|%s' "$STAGEFLOW_SECRET" "$DECLARED" > env.txt`,
		"env":     map[string]any{"PATH": "/usr/bin:/bin", "DECLARED": "yes"},
		"outputs": map[string]any{"env": "env.txt"},
	})

	out, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "|yes", string(out["env"]))
}

func TestCommand_InputsAreStaged(t *testing.T) {
	p := newTestCommand(t, map[string]any{
		"run":     `cat "$STAGEFLOW_INPUTS/source_output" > copy.txt`,
		"outputs": map[string]any{"copy": "copy.txt"},
	})

	out, err := p.Execute(context.Background(), map[string][]byte{"source_output": []byte("payload")})
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), out["copy"])
}

func TestCommand_ExtractsArchiveAndPacksDirectoryOutput(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "app.ts"), []byte("export {}"), 0o644))
	archive, err := PackDir(src)
	require.NoError(t, err)

	p := newTestCommand(t, map[string]any{
		"run":     "mkdir -p cdk.out && cp app.ts cdk.out/template.yaml",
		"extract": []any{"source_output"},
		"outputs": map[string]any{"CdkSynthOutput": "cdk.out"},
	})

	out, err := p.Execute(context.Background(), map[string][]byte{"source_output": archive})
	require.NoError(t, err)
	require.Contains(t, out, "CdkSynthOutput")

	dest := t.TempDir()
	require.NoError(t, Unpack(out["CdkSynthOutput"], dest))
	data, err := os.ReadFile(filepath.Join(dest, "template.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "export {}", string(data))
}

func TestCommand_MissingOutputIsNotEmitted(t *testing.T) {
	p := newTestCommand(t, map[string]any{
		"run":     "true",
		"outputs": map[string]any{"never": "never.txt"},
	})
	out, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.NotContains(t, out, "never")
}

func TestCommand_NonZeroExitIsError(t *testing.T) {
	p := newTestCommand(t, map[string]any{"run": "echo boom >&2; exit 3"})
	_, err := p.Execute(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "boom")
}

func TestCommand_StdoutArtifact(t *testing.T) {
	p := newTestCommand(t, map[string]any{"run": "echo synthesized", "stdout": "log"})
	out, err := p.Execute(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "synthesized", strings.TrimSpace(string(out["log"])))
}

func TestCommand_DeadlineKillsProcess(t *testing.T) {
	p := newTestCommand(t, map[string]any{"run": "sleep 30"})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := p.Execute(ctx, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestNewCommand_RejectsEscapingOutputPath(t *testing.T) {
	_, err := NewCommand(map[string]any{"run": "true", "outputs": map[string]any{"x": "../x"}}, "", nil)
	assert.Error(t, err)
	_, err = NewCommand(map[string]any{"run": "true", "outputs": map[string]any{"x": "/etc/passwd"}}, "", nil)
	assert.Error(t, err)
}

func TestPackDir_IsDeterministic(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "b", "c"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b", "c", "d.txt"), []byte("d"), 0o600))

	first, err := PackDir(dir)
	require.NoError(t, err)

	now := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(dir, "a.txt"), now, now))
	second, err := PackDir(dir)
	require.NoError(t, err)

	assert.Equal(t, first, second)
}

func TestUnpack_RejectsPathTraversal(t *testing.T) {
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{Typeflag: tar.TypeReg, Name: "../evil", Mode: 0o644, Size: 1}))
	_, err := tw.Write([]byte("x"))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())

	dest := t.TempDir()
	err = Unpack(buf.Bytes(), dest)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(filepath.Dir(dest), "evil"))
	assert.True(t, os.IsNotExist(statErr))
}
