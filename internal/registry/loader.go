package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/veighnsche/inferd/internal/common/fsutil"
	"github.com/veighnsche/inferd/pkg/types"
)

// GGUFScanner discovers *.gguf model files in a directory and derives model
// metadata from filenames and file sizes.
type GGUFScanner struct{}

func NewGGUFScanner() *GGUFScanner { return &GGUFScanner{} }

// quantRe matches quantization tokens embedded in model filenames, e.g.
// q4_k_m, iq2_xxs, q8_0, f16, bf16.
var quantRe = regexp.MustCompile(`(?i)(^|[.\-])(i?q\d[_a-z0-9]*|f16|f32|bf16)($|[.\-])`)

// Scan lists the *.gguf files under dir, sorted by ID. ID is the full
// filename (including extension); Path is the absolute file path. Quant and
// Family are best-effort parses of the filename; SizeMB comes from stat.
func (s *GGUFScanner) Scan(dir string) ([]types.Model, error) {
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
	var models []types.Model
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasSuffix(strings.ToLower(name), ".gguf") {
			continue
		}
		m := types.Model{
			ID:     name,
			Name:   strings.TrimSuffix(name, filepath.Ext(name)),
			Path:   filepath.Join(abs, name),
			Quant:  parseQuant(name),
			Family: parseFamily(name),
		}
		if info, err := e.Info(); err == nil {
			m.SizeMB = int(info.Size() / (1 << 20))
		}
		models = append(models, m)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].ID < models[j].ID })
	return models, nil
}

// LoadDir scans a directory for *.gguf files and builds a registry from filenames.
func LoadDir(dir string) ([]types.Model, error) {
	return NewGGUFScanner().Scan(dir)
}

// Resolve matches ref against a scanned registry by model ID, ID without
// extension, or exact path.
func Resolve(models []types.Model, ref string) (types.Model, bool) {
	for _, m := range models {
		if m.ID == ref || m.Name == ref || m.Path == ref {
			return m, true
		}
	}
	return types.Model{}, false
}

// parseQuant extracts the quantization token from a model filename, keeping
// the original casing (e.g. "Q4_K_M" from "TinyLlama.Q4_K_M.gguf").
func parseQuant(name string) string {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	m := quantRe.FindStringSubmatch(base)
	if m == nil {
		return ""
	}
	return m[2]
}

// parseFamily guesses the model family from the leading filename segment,
// e.g. "llama" from "llama-3.1-8b-q4_k_m.gguf".
func parseFamily(name string) string {
	base := strings.ToLower(strings.TrimSuffix(name, filepath.Ext(name)))
	for _, sep := range []string{"-", ".", "_"} {
		if i := strings.Index(base, sep); i > 0 {
			base = base[:i]
		}
	}
	return base
}
