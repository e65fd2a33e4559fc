// Package deploy resolves a Job's RunnablePath to the on-disk script or
// flow definition the runner/flow executor should execute. windmill-core's
// scope is the execution engine (spec.md Non-goals exclude "per-language
// build toolchains" and any dashboard/CRUD surface for managing deployed
// scripts), so this is a flat-file layout rather than a versioned
// database-backed script/flow store: RunnablePath is a path relative to a
// configured root, and the language/flow-value come from the file itself.
package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Store resolves runnables from a directory tree: <root>/<path>.<ext> for
// scripts (extension implies language) and <root>/<path>.flow.json for
// flows.
type Store struct {
	root string
}

func NewStore(root string) *Store {
	return &Store{root: root}
}

var extToLang = map[string]models.ScriptLang{
	".py":   models.ScriptLangPython,
	".ts":   models.ScriptLangDeno,
	".js":   models.ScriptLangBun,
	".go":   models.ScriptLangGo,
	".sh":   models.ScriptLangBash,
	".ps1":  models.ScriptLangPowershell,
}

// ResolveScript implements the callback queue.NewScriptExecutor expects:
// locate the first file under root matching RunnablePath with a known
// script extension and report its language.
func (s *Store) ResolveScript(job *models.Job) (models.ScriptLang, string, error) {
	if job.ScriptLang != nil {
		path := filepath.Join(s.root, job.RunnablePath+extFor(*job.ScriptLang))
		if _, err := os.Stat(path); err == nil {
			return *job.ScriptLang, path, nil
		}
	}
	for ext, lang := range extToLang {
		path := filepath.Join(s.root, job.RunnablePath+ext)
		if _, err := os.Stat(path); err == nil {
			return lang, path, nil
		}
	}
	return "", "", fmt.Errorf("deploy: no script found for runnable path %q", job.RunnablePath)
}

// ResolveFlow implements flow.Resolver: load <root>/<path>.flow.json.
func (s *Store) ResolveFlow(_ context.Context, job *models.Job) (*models.FlowValue, error) {
	path := filepath.Join(s.root, job.RunnablePath+".flow.json")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("deploy: load flow %q: %w", job.RunnablePath, err)
	}
	var fv models.FlowValue
	if err := json.Unmarshal(data, &fv); err != nil {
		return nil, fmt.Errorf("deploy: parse flow %q: %w", job.RunnablePath, err)
	}
	return &fv, nil
}

func extFor(lang models.ScriptLang) string {
	for ext, l := range extToLang {
		if l == lang {
			return ext
		}
	}
	return ""
}
