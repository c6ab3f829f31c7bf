package assemble

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"streamdl/internal/fetch"
	"streamdl/internal/logger"
	"streamdl/internal/plan"
)

// ErrDecryptionFailed reports that the external decryptor was
// unavailable or exited non-zero. The still-encrypted concatenation is
// retained; its path and state are carried by the returned Artifact,
// never inferred from the name alone.
var ErrDecryptionFailed = errors.New("container decryption failed")

// Artifact is the finalized output of a run.
type Artifact struct {
	Path      string
	Encrypted bool
	Bytes     int64
}

// Assembler concatenates fetched segments in strictly ascending plan
// index order, then optionally hands the result to an external
// container decryptor.
type Assembler struct {
	logger    logger.Logger
	decryptor *Decryptor
}

// New creates an assembler. A nil decryptor means the concatenation is
// the final artifact.
func New(log logger.Logger, decryptor *Decryptor) *Assembler {
	return &Assembler{logger: log, decryptor: decryptor}
}

// Finalize builds the output file at outPath. Failed indices are
// skipped, producing a byte gap rather than padding. An output file
// exists at the returned Artifact.Path in every non-error and
// ErrDecryptionFailed case; ciphertext is never written under the
// final name.
func (a *Assembler) Finalize(p *plan.Plan, results map[int]fetch.Result, outPath string) (*Artifact, error) {
	concatPath := outPath
	if a.decryptor != nil {
		concatPath = encryptedPath(outPath)
	}

	written, err := a.concatenate(p, results, concatPath)
	if err != nil {
		return nil, err
	}

	if a.decryptor == nil {
		return &Artifact{Path: concatPath, Encrypted: false, Bytes: written}, nil
	}

	if err := a.decryptor.Run(concatPath, outPath); err != nil {
		a.logger.Warnf("Container decryption failed, keeping encrypted artifact at %s: %v", concatPath, err)
		return &Artifact{Path: concatPath, Encrypted: true, Bytes: written},
			fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}

	if err := os.Remove(concatPath); err != nil {
		a.logger.Warnf("Failed to remove transient ciphertext %s: %v", concatPath, err)
	}

	fi, err := os.Stat(outPath)
	if err != nil {
		return nil, fmt.Errorf("decrypted artifact missing at %s: %w", outPath, err)
	}
	return &Artifact{Path: outPath, Encrypted: false, Bytes: fi.Size()}, nil
}

// concatenate appends segment files ascending by plan index (init
// segments carry index -1 and therefore lead) into dst.
func (a *Assembler) concatenate(p *plan.Plan, results map[int]fetch.Result, dst string) (int64, error) {
	entries := make([]plan.Entry, len(p.Entries))
	copy(entries, p.Entries)
	sort.Slice(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("failed to create output file %s: %w", dst, err)
	}
	defer out.Close()

	var written int64
	for i := range entries {
		e := &entries[i]
		if r, ok := results[e.Index]; !ok || r.Err != nil {
			a.logger.Warnf("Segment %d missing, output will contain a gap", e.Index)
			continue
		}

		n, err := appendFile(out, e.LocalPath)
		if err != nil {
			return written, fmt.Errorf("failed to append segment %d: %w", e.Index, err)
		}
		written += n
	}

	if err := out.Sync(); err != nil {
		return written, fmt.Errorf("failed to sync output file %s: %w", dst, err)
	}
	return written, nil
}

func appendFile(dst io.Writer, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()
	return io.Copy(dst, in)
}

// encryptedPath derives the best-effort output name used while the
// artifact is still ciphertext, e.g. movie.mp4 -> movie.encrypted.mp4.
func encryptedPath(out string) string {
	ext := filepath.Ext(out)
	return strings.TrimSuffix(out, ext) + ".encrypted" + ext
}

// CleanupSegments removes the per-index cache files of a fully
// successful run, mirroring the merge step's tidy-up. The working
// directory itself is removed when empty.
func CleanupSegments(p *plan.Plan, workDir string) {
	for i := range p.Entries {
		os.Remove(p.Entries[i].LocalPath)
	}
	os.Remove(workDir)
}
