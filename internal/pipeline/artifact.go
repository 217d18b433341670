package pipeline

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// Artifact is the terminal output of one conversion. Its serialized
// body lives at a temporary path that is read at most once and deleted
// exactly once, whether the consuming transfer succeeds, fails, or is
// abandoned mid-stream.
type Artifact struct {
	// FileName is the download name: <profile>.yaml, or the generic
	// default when no profile name was supplied.
	FileName string

	// Metadata is the response metadata captured at fetch time, for
	// the caller to selectively forward.
	Metadata map[string]string

	path string

	mu         sync.Mutex
	opened     bool
	removeOnce sync.Once
}

// Open returns a reader over the serialized body. It may be called at
// most once; closing the reader deletes the temporary file.
func (a *Artifact) Open() (io.ReadCloser, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.opened {
		return nil, fmt.Errorf("artifact %s already consumed", a.FileName)
	}
	f, err := os.Open(a.path)
	if err != nil {
		a.remove()
		return nil, fmt.Errorf("failed to open artifact: %w", err)
	}
	a.opened = true
	return &artifactReader{file: f, artifact: a}, nil
}

// Discard deletes the temporary file without reading it. Safe to call
// unconditionally, including after a completed read.
func (a *Artifact) Discard() {
	a.remove()
}

func (a *Artifact) remove() {
	a.removeOnce.Do(func() {
		os.Remove(a.path)
	})
}

type artifactReader struct {
	file     *os.File
	artifact *Artifact
}

func (r *artifactReader) Read(p []byte) (int, error) {
	return r.file.Read(p)
}

func (r *artifactReader) Close() error {
	err := r.file.Close()
	r.artifact.remove()
	return err
}
