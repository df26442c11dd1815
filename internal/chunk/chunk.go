// Package chunk splits a job's source frame range into fixed-size,
// densely-indexed chunks for parallel dispatch, and tracks which
// chunks have already completed so a restarted job can resume.
package chunk

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/videointel/coordinator/internal/model"
)

// Plan computes the dense chunk set for a source of totalFrames at
// fps, targeting chunkDurationSec seconds per chunk. Frames per chunk
// is floor(fps*duration), with a minimum of 1. The last chunk absorbs
// any remainder; if totalFrames is an exact multiple there is no
// trailing empty chunk.
func Plan(jobID string, originalFile string, totalFrames int, fps float64, chunkDurationSec float64) []model.Chunk {
	if totalFrames <= 0 {
		return nil
	}
	framesPerChunk := int(math.Floor(fps * chunkDurationSec))
	if framesPerChunk < 1 {
		framesPerChunk = 1
	}

	count := int(math.Ceil(float64(totalFrames) / float64(framesPerChunk)))
	chunks := make([]model.Chunk, 0, count)
	for i := 0; i < count; i++ {
		start := i * framesPerChunk
		end := start + framesPerChunk
		if end > totalFrames {
			end = totalFrames
		}
		chunks = append(chunks, model.Chunk{
			JobID:        jobID,
			Idx:          i,
			StartFrame:   start,
			EndFrame:     end,
			OriginalFile: originalFile,
		})
	}
	return chunks
}

// Manifest tracks which chunk indices of a job have completed,
// persisted as a newline-delimited "idx frames" ledger under workDir,
// so a crashed dispatcher can resume without redoing finished chunks.
type Manifest struct {
	workDir string
	done    map[int]int // idx -> frame count
}

const doneFileName = "done.txt"

// OpenManifest loads (or initializes) the resume ledger for workDir.
func OpenManifest(workDir string) (*Manifest, error) {
	m := &Manifest{workDir: workDir, done: map[int]int{}}
	path := filepath.Join(workDir, doneFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("chunk: open manifest %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			continue
		}
		idx, err1 := strconv.Atoi(fields[0])
		frames, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		m.done[idx] = frames
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("chunk: read manifest %s: %w", path, err)
	}
	return m, nil
}

// MarkDone records idx as complete and appends it to the on-disk
// ledger immediately, so progress survives a crash mid-job.
func (m *Manifest) MarkDone(idx, frames int) error {
	m.done[idx] = frames
	if err := os.MkdirAll(m.workDir, 0o755); err != nil {
		return fmt.Errorf("chunk: create work dir %s: %w", m.workDir, err)
	}
	f, err := os.OpenFile(filepath.Join(m.workDir, doneFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("chunk: append manifest: %w", err)
	}
	defer func() { _ = f.Close() }()
	_, err = fmt.Fprintf(f, "%d %d\n", idx, frames)
	return err
}

// IsDone reports whether idx has already completed.
func (m *Manifest) IsDone(idx int) bool {
	_, ok := m.done[idx]
	return ok
}

// Remaining filters chunks down to those not yet marked done, in
// ascending index order.
func (m *Manifest) Remaining(chunks []model.Chunk) []model.Chunk {
	out := make([]model.Chunk, 0, len(chunks))
	for _, c := range chunks {
		if !m.IsDone(c.Idx) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Idx < out[j].Idx })
	return out
}

// TotalFrames returns the sum of frame counts across all chunks
// recorded as done.
func (m *Manifest) TotalFrames() int {
	total := 0
	for _, f := range m.done {
		total += f
	}
	return total
}

// WorkDirName returns the conventional per-job work directory name
// under baseDir.
func WorkDirName(baseDir, jobID string) string {
	return filepath.Join(baseDir, jobID+".chunks")
}
