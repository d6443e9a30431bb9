// Package projects maps working directories to the external engine's
// project bookkeeping: encoded directory names and per-session transcript
// files stored under a projects root (~/.claude/projects by default).
package projects

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// TranscriptExt is the file extension the engine uses for session transcripts.
const TranscriptExt = ".jsonl"

// EncodePath converts an absolute working-directory path into the engine's
// project directory name by replacing path separators with hyphens.
// "/home/alice/my-app" encodes to "-home-alice-my-app".
func EncodePath(path string) string {
	return strings.ReplaceAll(path, "/", "-")
}

// DecodePath reconstructs the original absolute path from an encoded project
// directory name. A hyphen in the original path is indistinguishable from an
// encoded slash, so the reconstruction is greedy: scan the hyphen-delimited
// tokens left to right, and commit a path separator at a token boundary only
// when the committed prefix exists as a directory on disk. This costs one
// existence check per boundary instead of enumerating every split.
//
// The result is best-effort: if the final path does not exist it is returned
// anyway and callers must tolerate that.
func DecodePath(encoded string) string {
	trimmed := strings.TrimPrefix(encoded, "-")
	if trimmed == "" {
		return "/"
	}

	tokens := strings.Split(trimmed, "-")
	path := ""
	segment := tokens[0]

	for _, tok := range tokens[1:] {
		candidate := path + "/" + segment
		if isDir(candidate) {
			path = candidate
			segment = tok
		} else {
			segment += "-" + tok
		}
	}

	return path + "/" + segment
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// Resolver locates session transcripts under a projects root directory.
type Resolver struct {
	root string
}

// NewResolver creates a resolver rooted at dir. An empty dir falls back to
// DefaultRoot.
func NewResolver(dir string) *Resolver {
	if dir == "" {
		dir = DefaultRoot()
	}
	return &Resolver{root: dir}
}

// DefaultRoot returns the engine's standard projects directory.
func DefaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("/", ".claude", "projects")
	}
	return filepath.Join(home, ".claude", "projects")
}

// TranscriptPath returns the expected transcript location for a session
// started in workingDir. The file may not exist yet.
func (r *Resolver) TranscriptPath(workingDir, sessionID string) string {
	return filepath.Join(r.root, EncodePath(workingDir), sessionID+TranscriptExt)
}

// FindTranscript scans every project directory for the session's transcript
// file and returns the first match. Session ids are unique under correct
// encoding, so match order is not significant.
func (r *Resolver) FindTranscript(sessionID string) (string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		return "", fmt.Errorf("failed to read projects root %s: %w", r.root, err)
	}

	name := sessionID + TranscriptExt
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		candidate := filepath.Join(r.root, entry.Name(), name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("no transcript found for session %s", sessionID)
}
