package script

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/transmute/capability"
)

const upperScript = `package main

import (
	"errors"
	"strings"

	"greet"
)

func Validate(params map[string]interface{}) error {
	if _, ok := params["file"].(string); !ok {
		return errors.New("file is required")
	}
	return nil
}

func Execute(artifact string, params map[string]interface{}, progress func(string)) (map[string]string, error) {
	file := params["file"].(string)
	progress("upper-casing " + file)
	return map[string]string{
		file:       strings.ToUpper(greet.Hello()),
		"NOTES.md": "done\n",
	}, nil
}
`

// writeScriptPackage lays out a package with its own vendored import under src/
func writeScriptPackage(t *testing.T, greeting string) *capability.Manifest {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.go"), []byte(upperScript), 0o644))

	libDir := filepath.Join(dir, "src", "greet")
	require.NoError(t, os.MkdirAll(libDir, 0o755))
	lib := "package greet\n\nfunc Hello() string { return \"" + greeting + "\" }\n"
	require.NoError(t, os.WriteFile(filepath.Join(libDir, "greet.go"), []byte(lib), 0o644))

	return &capability.Manifest{Name: "upper", Kind: capability.KindScript, Entry: "main.go", Dir: dir}
}

func TestScriptCapability(t *testing.T) {
	loader := NewLoader(zaptest.NewLogger(t).Sugar())
	c, err := loader.Load(context.Background(), writeScriptPackage(t, "hello"))
	require.NoError(t, err)

	ctx := context.Background()
	assert.EqualError(t, c.Validate(ctx, json.RawMessage(`{}`)), "file is required")
	require.NoError(t, c.Validate(ctx, json.RawMessage(`{"file":"out.txt"}`)))

	var progress []string
	res, err := c.Execute(ctx, capability.ExecContext{
		Artifact:   t.TempDir(),
		Parameters: json.RawMessage(`{"file":"out.txt"}`),
		Progress:   func(m string) { progress = append(progress, m) },
	})
	require.NoError(t, err)
	require.Len(t, res.Changes, 2)
	assert.Equal(t, "NOTES.md", res.Changes[0].Path)
	assert.Equal(t, "HELLO", string(res.Changes[1].Content))
	assert.Equal(t, []string{"upper-casing out.txt"}, progress)
}

func TestScriptPackagesAreIsolated(t *testing.T) {
	// Two packages import the same path with different implementations
	loader := NewLoader(zaptest.NewLogger(t).Sugar())
	ctx := context.Background()
	params := capability.ExecContext{Parameters: json.RawMessage(`{"file":"f"}`)}

	first, err := loader.Load(ctx, writeScriptPackage(t, "one"))
	require.NoError(t, err)
	second, err := loader.Load(ctx, writeScriptPackage(t, "two"))
	require.NoError(t, err)

	r1, err := first.Execute(ctx, params)
	require.NoError(t, err)
	r2, err := second.Execute(ctx, params)
	require.NoError(t, err)

	assert.Equal(t, "ONE", string(r1.Changes[1].Content))
	assert.Equal(t, "TWO", string(r2.Changes[1].Content))
}

func TestScriptLoadErrors(t *testing.T) {
	loader := NewLoader(zaptest.NewLogger(t).Sugar())
	dir := t.TempDir()

	write := func(name, code string) *capability.Manifest {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(code), 0o644))
		return &capability.Manifest{Name: "x", Kind: capability.KindScript, Entry: name, Dir: dir}
	}

	_, err := loader.Load(context.Background(), write("empty.go", "  \n"))
	assert.ErrorContains(t, err, "is empty")

	_, err = loader.Load(context.Background(), write("broken.go", "package main\nfunc {"))
	assert.ErrorContains(t, err, "failed to interpret")

	_, err = loader.Load(context.Background(), write("noexec.go", "package main\nfunc Validate(p map[string]interface{}) error { return nil }\n"))
	assert.ErrorContains(t, err, "must define Execute")

	_, err = loader.Load(context.Background(), write("wrongsig.go", "package main\nfunc Execute() {}\n"))
	assert.ErrorContains(t, err, "wrong signature")
}

func TestScriptUnload(t *testing.T) {
	loader := NewLoader(zaptest.NewLogger(t).Sugar())
	c, err := loader.Load(context.Background(), writeScriptPackage(t, "hi"))
	require.NoError(t, err)

	require.NoError(t, c.(capability.Closer).Close(context.Background()))
	_, err = c.Execute(context.Background(), capability.ExecContext{Parameters: json.RawMessage(`{"file":"f"}`)})
	assert.ErrorContains(t, err, "unloaded")
}
