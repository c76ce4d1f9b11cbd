// Package registry discovers local model weights on disk.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"modelworker/internal/common/fsutil"
	"modelworker/internal/params"
)

// ScanDir scans dir for *.gguf files and walks each one through the schema of
// provider. The model name is the file name without its extension; Path is absolute.
func ScanDir(dir, provider string) ([]params.Deploy, error) {
	if provider == "" {
		provider = params.ProviderLlamaServer
	}
	if provider == params.ProviderOpenAI {
		return nil, fmt.Errorf("provider %q does not load weights from disk", provider)
	}
	base, err := fsutil.ExpandHome(dir)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, fmt.Errorf("abs path: %w", err)
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, fmt.Errorf("read dir: %w", err)
	}
	var out []params.Deploy
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		file := e.Name()
		ext := filepath.Ext(file)
		if !strings.EqualFold(ext, ".gguf") {
			continue
		}
		d, err := params.ParseDeploy(map[string]any{
			"name":     strings.TrimSuffix(file, ext),
			"provider": provider,
			"path":     filepath.Join(abs, file),
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Merge appends scanned deploys to explicit ones, skipping names already declared.
func Merge(explicit, scanned []params.Deploy) []params.Deploy {
	seen := make(map[string]bool, len(explicit))
	out := append([]params.Deploy(nil), explicit...)
	for _, d := range explicit {
		seen[d.Name] = true
	}
	for _, d := range scanned {
		if !seen[d.Name] {
			seen[d.Name] = true
			out = append(out, d)
		}
	}
	return out
}
