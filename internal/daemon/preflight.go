package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/veighnsche/inferd/pkg/types"
)

// SanityCheck verifies that the engine executable and the serving model file
// are reachable. It does not mutate state and is safe to call at any time.
func (d *Daemon) SanityCheck() types.SanityReport {
	st := d.pool.Status()
	return sanityCheck(st.Executable, st.Model)
}

// sanityCheck mirrors what a spawn would need without starting a process.
func sanityCheck(executable, model string) types.SanityReport {
	var r types.SanityReport
	path, err := resolveExecutable(executable)
	if err != nil {
		r.Error = err.Error()
	} else {
		r.EngineFound = true
		r.EnginePath = path
	}
	if model == "" {
		return r
	}
	if fi, statErr := os.Stat(model); statErr == nil && !fi.IsDir() {
		r.ModelFound = true
	} else if r.Error == "" {
		r.Error = "model file missing: " + model
	}
	return r
}

// resolveExecutable locates the engine binary. A bare name goes through PATH;
// anything with a path separator must exist as a regular file.
func resolveExecutable(bin string) (string, error) {
	if bin == "" {
		return "", errors.New("no engine executable configured")
	}
	if !strings.ContainsRune(bin, os.PathSeparator) {
		return exec.LookPath(bin)
	}
	fi, err := os.Stat(bin)
	if err != nil {
		return "", fmt.Errorf("engine executable: %w", err)
	}
	if fi.IsDir() {
		return "", fmt.Errorf("engine executable %s is a directory", bin)
	}
	return bin, nil
}
