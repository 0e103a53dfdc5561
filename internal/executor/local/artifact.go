package local

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/rs/xid"

	"github.com/sakif/codeflow/internal/executor"
)

// artifact is the temporary source/binary pair of one compiled run. It belongs
// to exactly one Execute call and is removed before that call returns.
type artifact struct {
	source string
	binary string
}

// newArtifact reserves request-unique paths and writes the source file.
//
// Names embed an xid, which is unique per process and time-ordered, e.g.
// codeflow-cv37rs3pp9olc6atsptg.rs. The in-flight set and O_EXCL are a second
// and third line against two runs ever sharing a path.
func (e *Executor) newArtifact(desc executor.Descriptor, code string) (*artifact, error) {
	base := filepath.Join(e.config.ScratchDir, "codeflow-"+xid.New().String())
	ext := desc.Extension
	if ext == "" {
		ext = ".src"
	}
	art := &artifact{source: base + ext, binary: base}

	if !e.inflight.Add(art.source) {
		return nil, executor.ScratchFailed(desc.Name, "temporary path already in use", fs.ErrExist)
	}
	if !e.inflight.Add(art.binary) {
		e.inflight.Remove(art.source)
		return nil, executor.ScratchFailed(desc.Name, "temporary path already in use", fs.ErrExist)
	}

	f, err := os.OpenFile(art.source, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		e.release(art)
		return nil, executor.ScratchFailed(desc.Name, "could not create source file", err)
	}
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		e.removeArtifact(desc.Name, art)
		return nil, executor.ScratchFailed(desc.Name, "could not write source file", err)
	}
	if err := f.Close(); err != nil {
		e.removeArtifact(desc.Name, art)
		return nil, executor.ScratchFailed(desc.Name, "could not write source file", err)
	}

	return art, nil
}

// removeArtifact deletes both files. Failures are logged and counted, never
// returned: the run's outcome does not depend on the cleanup.
func (e *Executor) removeArtifact(lang executor.Language, art *artifact) {
	defer e.release(art)

	var errs []error
	for _, path := range []string{art.source, art.binary} {
		if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
		}
	}
	if len(errs) == 0 {
		return
	}

	e.cleanupFailures.Add(1)
	cleanupErr := executor.CleanupFailed(lang, errors.Join(errs...))
	e.logger.Warn("temporary files left behind",
		slog.String("kind", executor.KindName(cleanupErr)),
		slog.String("error", cleanupErr.Error()),
	)
}

func (e *Executor) release(art *artifact) {
	e.inflight.Remove(art.source)
	e.inflight.Remove(art.binary)
}
