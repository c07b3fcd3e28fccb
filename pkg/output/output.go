// Package output turns the part-file directory written by an engine into a
// single file at a deterministic path.
package output

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/dbcflow/dbcflow/pkg/errors"
)

// Extension of consolidated outputs and of the part-files that feed them.
const Extension = ".csv"

// ScratchSuffix is appended to the target path to name its scratch directory.
const ScratchSuffix = "_tmp"

// TargetPath returns <root>/<base>.csv for an input named <base><ext>.
// Names without ext just get .csv appended.
func TargetPath(root, name, ext string) string {
	base := filepath.Base(name)
	if ext != "" && strings.HasSuffix(base, ext) {
		base = strings.TrimSuffix(base, ext)
	}
	return filepath.Join(root, base+Extension)
}

// ScratchPath returns the staging directory for target.
func ScratchPath(target string) string {
	return target + ScratchSuffix
}

// PrepareScratch removes whatever a previous interrupted run left at dir.
func PrepareScratch(dir string) error {
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "remove stale scratch directory").WithContext("dir", dir)
	}
	return nil
}

// Cleanup removes dir and everything in it. A missing dir is not an error.
func Cleanup(dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrap(err, errors.CodeWriteFailed, "remove scratch directory").WithContext("dir", dir)
	}
	return nil
}

// Move describes a completed consolidation.
type Move struct {
	// Part is the part-file that was moved, relative to the scratch dir.
	Part string

	// Candidates counts the .csv entries found; anything above 1 means the
	// remaining ones were discarded.
	Candidates int

	// Target is the final path.
	Target string
}

// Consolidate moves the first .csv entry of scratch to target, replacing any
// existing file, and removes scratch. Entries are scanned in name order, which
// for engine part-files is partition order.
//
// A scratch dir with no .csv entry is an error (E304); scratch is removed in
// that case too.
func Consolidate(scratch, target string) (Move, error) {
	mv := Move{Target: target}

	entries, err := os.ReadDir(scratch)
	if err != nil {
		_ = Cleanup(scratch)
		return mv, errors.Wrap(err, errors.CodeConsolidateFailed, "scan scratch directory").WithContext("dir", scratch)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), Extension) {
			continue
		}
		if mv.Candidates == 0 {
			mv.Part = e.Name()
		}
		mv.Candidates++
	}

	if mv.Candidates == 0 {
		_ = Cleanup(scratch)
		return mv, errors.NoPartFile(scratch)
	}

	src := filepath.Join(scratch, mv.Part)
	if err := os.Rename(src, target); err != nil {
		_ = Cleanup(scratch)
		return mv, errors.Wrap(err, errors.CodeConsolidateFailed, "move part-file").
			WithContext("from", src).
			WithContext("to", target)
	}

	if err := Cleanup(scratch); err != nil {
		return mv, err
	}
	return mv, nil
}
