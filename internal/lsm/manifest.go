package lsm

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/return2faye/SiltKV/internal/errs"
)

const manifestFileName = "MANIFEST"

// manifestState is the catalog's persisted shape (spec §4.3): the next
// unallocated table id plus the live table file names in youngest-first
// catalog order.
type manifestState struct {
	nextID uint64
	files  []string // sstable_<id>.dat, youngest first
}

func manifestPath(dataDir string) string {
	return filepath.Join(dataDir, manifestFileName)
}

func tableFileName(id uint64) string {
	return fmt.Sprintf("sstable_%d.dat", id)
}

// loadManifestState reads the manifest, or returns a fresh empty state if
// it doesn't exist yet (first Open of a new data directory).
func loadManifestState(dataDir string) (manifestState, error) {
	f, err := os.Open(manifestPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return manifestState{nextID: 1}, nil
		}
		return manifestState{}, errs.IO("lsm.loadManifest", err)
	}
	defer f.Close()

	state := manifestState{nextID: 1}
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first {
			first = false
			id, err := strconv.ParseUint(line, 10, 64)
			if err != nil {
				return manifestState{}, errs.Corrupt("lsm.loadManifest", err)
			}
			state.nextID = id
			continue
		}
		state.files = append(state.files, line)
	}
	if err := scanner.Err(); err != nil {
		return manifestState{}, errs.IO("lsm.loadManifest", err)
	}
	return state, nil
}

// writeManifestState rewrites the manifest atomically: temp file, fsync,
// rename (spec §4.3 Replace).
func writeManifestState(dataDir string, state manifestState) error {
	path := manifestPath(dataDir)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errs.IO("lsm.writeManifest", err)
	}
	defer os.Remove(tmp)

	w := bufio.NewWriter(f)
	if _, err := fmt.Fprintln(w, state.nextID); err != nil {
		f.Close()
		return errs.IO("lsm.writeManifest", err)
	}
	for _, name := range state.files {
		if _, err := fmt.Fprintln(w, name); err != nil {
			f.Close()
			return errs.IO("lsm.writeManifest", err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return errs.IO("lsm.writeManifest", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errs.IO("lsm.writeManifest", err)
	}
	if err := f.Close(); err != nil {
		return errs.IO("lsm.writeManifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.IO("lsm.writeManifest", err)
	}
	return nil
}
