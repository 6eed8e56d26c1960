// Package skills implements the init-skills CLI verb (spec.md §6.5): it
// copies a bundled set of SKILL.md prompt files into a target repo's
// .orchestrator/skills/ directory, one subdirectory per skill. Grounded on
// activebook-gllm's skill convention (a directory per skill holding a
// SKILL.md with a YAML frontmatter name/description block), since the
// teacher itself has no prompt-bundle concept of its own. Purely
// file-copying: no network access, no templating beyond the destination
// path.
package skills

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

//go:embed bundled
var bundled embed.FS

const bundledRoot = "bundled"

// InstallDir is the conventional destination directory, relative to a
// target repo's root, that init-skills populates.
const InstallDir = ".orchestrator/skills"

// Install copies every bundled skill into <repoPath>/.orchestrator/skills/.
// Existing files are left untouched unless overwrite is true, so running
// init-skills again in a repo that already has local edits to a skill
// doesn't clobber them by default.
func Install(repoPath string, overwrite bool) ([]string, error) {
	dest := filepath.Join(repoPath, InstallDir)
	var installed []string

	err := fs.WalkDir(bundled, bundledRoot, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(bundledRoot, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		target := filepath.Join(dest, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		if !overwrite {
			if _, statErr := os.Stat(target); statErr == nil {
				return nil
			}
		}

		data, err := bundled.ReadFile(path)
		if err != nil {
			return fmt.Errorf("skills: reading bundled file %s: %w", path, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return fmt.Errorf("skills: creating %s: %w", filepath.Dir(target), err)
		}
		if err := os.WriteFile(target, data, 0644); err != nil {
			return fmt.Errorf("skills: writing %s: %w", target, err)
		}
		installed = append(installed, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("skills: installing bundled skills: %w", err)
	}

	return installed, nil
}

// List returns the names of the bundled skills (the names of the
// top-level directories under bundled/), without touching disk.
func List() ([]string, error) {
	entries, err := fs.ReadDir(bundled, bundledRoot)
	if err != nil {
		return nil, fmt.Errorf("skills: listing bundled skills: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}
