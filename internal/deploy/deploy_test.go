package deploy

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/windmill-labs/windmill-core/internal/models"
)

func TestResolveScriptByExtensionScan(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "f"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "f", "main.py"), []byte("print(1)"), 0o644))

	s := NewStore(root)
	lang, path, err := s.ResolveScript(&models.Job{RunnablePath: "f/main"})
	require.NoError(t, err)
	assert.Equal(t, models.ScriptLangPython, lang)
	assert.Equal(t, filepath.Join(root, "f", "main.py"), path)
}

func TestResolveScriptPrefersDeclaredLang(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.ts"), []byte("console.log(1)"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "main.py"), []byte("print(1)"), 0o644))

	deno := models.ScriptLangDeno
	s := NewStore(root)
	lang, path, err := s.ResolveScript(&models.Job{RunnablePath: "main", ScriptLang: &deno})
	require.NoError(t, err)
	assert.Equal(t, models.ScriptLangDeno, lang)
	assert.Equal(t, filepath.Join(root, "main.ts"), path)
}

func TestResolveScriptMissingReturnsError(t *testing.T) {
	s := NewStore(t.TempDir())
	_, _, err := s.ResolveScript(&models.Job{RunnablePath: "missing"})
	assert.Error(t, err)
}

func TestResolveFlowLoadsAndParses(t *testing.T) {
	root := t.TempDir()
	flowJSON := `{"modules":[{"id":"a","kind":"raw_script","content":"print(1)"}]}`
	require.NoError(t, os.WriteFile(filepath.Join(root, "myflow.flow.json"), []byte(flowJSON), 0o644))

	s := NewStore(root)
	fv, err := s.ResolveFlow(context.Background(), &models.Job{RunnablePath: "myflow"})
	require.NoError(t, err)
	require.Len(t, fv.Modules, 1)
	assert.Equal(t, "a", fv.Modules[0].ID)
}

func TestResolveFlowMissingReturnsError(t *testing.T) {
	s := NewStore(t.TempDir())
	_, err := s.ResolveFlow(context.Background(), &models.Job{RunnablePath: "nope"})
	assert.Error(t, err)
}
