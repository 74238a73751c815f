// Package content implements the pipeline's content source over local
// files: one text or transcript file per source under a sources directory.
// Chunks overlap deliberately so boundary-spanning logic is recalled twice
// and resolved later by the compactor's similarity pass.
package content

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sievelab/refinery/internal/model"
)

const (
	defaultChunkWords   = 400
	defaultOverlapWords = 50
)

// FileSource resolves source IDs to files named <source_id>.txt or
// <source_id>.md inside a directory.
type FileSource struct {
	dir          string
	chunkWords   int
	overlapWords int
}

// NewFileSource creates a file-backed content source. Zero values use the
// default chunk geometry.
func NewFileSource(dir string, chunkWords, overlapWords int) *FileSource {
	if chunkWords <= 0 {
		chunkWords = defaultChunkWords
	}
	if overlapWords < 0 || overlapWords >= chunkWords {
		overlapWords = defaultOverlapWords
	}
	return &FileSource{dir: dir, chunkWords: chunkWords, overlapWords: overlapWords}
}

// Dir returns the sources directory.
func (f *FileSource) Dir() string { return f.dir }

// Chunks returns the ordered chunk list for one source. Chunk IDs are
// stable across calls; source refs anchor each chunk by word offset.
func (f *FileSource) Chunks(sourceID string) ([]model.Chunk, error) {
	text, err := f.read(sourceID)
	if err != nil {
		return nil, err
	}

	words := strings.Fields(text)
	if len(words) == 0 {
		return nil, fmt.Errorf("source %s is empty", sourceID)
	}

	// Windows advance by chunkWords-overlapWords and stop at the first
	// window that reaches the end; a further window would only repeat the
	// previous chunk's tail.
	var chunks []model.Chunk
	step := f.chunkWords - f.overlapWords
	for start, idx := 0, 0; start < len(words); start, idx = start+step, idx+1 {
		end := start + f.chunkWords
		if end > len(words) {
			end = len(words)
		}
		chunks = append(chunks, model.Chunk{
			SourceID:  sourceID,
			ChunkID:   fmt.Sprintf("chunk_%03d", idx),
			SourceRef: fmt.Sprintf("%s words %d-%d", sourceID, start, end),
			Text:      strings.Join(words[start:end], " "),
		})
		if end == len(words) {
			break
		}
	}
	return chunks, nil
}

// Sources lists the source IDs available in the directory, sorted by name.
func (f *FileSource) Sources() ([]string, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("read sources dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext == ".txt" || ext == ".md" {
			out = append(out, strings.TrimSuffix(e.Name(), ext))
		}
	}
	return out, nil
}

func (f *FileSource) read(sourceID string) (string, error) {
	for _, ext := range []string{".txt", ".md"} {
		data, err := os.ReadFile(filepath.Join(f.dir, sourceID+ext))
		if err == nil {
			return string(data), nil
		}
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read source %s: %w", sourceID, err)
		}
	}
	return "", fmt.Errorf("source %s not found in %s", sourceID, f.dir)
}
