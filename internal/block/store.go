package block

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/devrev/shelfdb/internal/util"
)

const (
	tmpSuffix       = ".tmp"
	corruptedSuffix = ".corrupted"
)

// store is the on-disk layout of blocks: data_dir/ab/cd/abcd... with the
// codec extension. Files are immutable once renamed into place.
type store struct {
	dir string
}

func (s *store) dirFor(h util.Hash) string {
	hex := h.String()
	return filepath.Join(s.dir, hex[0:2], hex[2:4])
}

func (s *store) pathFor(h util.Hash, c Codec) string {
	return filepath.Join(s.dirFor(h), h.String()+c.Ext())
}

// find returns the path and codec of the stored copy of h.
func (s *store) find(h util.Hash) (string, Codec, bool) {
	for _, c := range allCodecs {
		p := s.pathFor(h, c)
		if _, err := os.Stat(p); err == nil {
			return p, c, true
		}
	}
	return "", CodecNone, false
}

func (s *store) exists(h util.Hash) bool {
	_, _, ok := s.find(h)
	return ok
}

// read returns the stored bytes of h. It returns fs.ErrNotExist when absent.
func (s *store) read(h util.Hash) ([]byte, Codec, error) {
	p, c, ok := s.find(h)
	if !ok {
		return nil, CodecNone, fs.ErrNotExist
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, c, err
	}
	return data, c, nil
}

// write stores data under h through a temporary file, fsync and rename.
// Writing a block that already exists is a no-op that returns false.
func (s *store) write(h util.Hash, c Codec, data []byte) (bool, error) {
	if s.exists(h) {
		return false, nil
	}
	dir := s.dirFor(h)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, fmt.Errorf("failed to create block dir: %w", err)
	}
	final := s.pathFor(h, c)
	tmp, err := os.CreateTemp(dir, filepath.Base(final)+".*"+tmpSuffix)
	if err != nil {
		return false, fmt.Errorf("failed to create temp block file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to write block: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return false, fmt.Errorf("failed to sync block: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to close block: %w", err)
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return false, fmt.Errorf("failed to rename block: %w", err)
	}
	return true, nil
}

// quarantine moves the stored copy of h aside so it is never served again.
func (s *store) quarantine(h util.Hash) error {
	p, _, ok := s.find(h)
	if !ok {
		return nil
	}
	return os.Rename(p, p+corruptedSuffix)
}

// remove deletes every stored copy of h.
func (s *store) remove(h util.Hash) error {
	var errs []error
	for _, c := range allCodecs {
		if err := os.Remove(s.pathFor(h, c)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// walk calls fn for every stored block.
func (s *store) walk(fn func(h util.Hash) error) error {
	return filepath.WalkDir(s.dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		name := d.Name()
		if strings.HasSuffix(name, tmpSuffix) || strings.HasSuffix(name, corruptedSuffix) {
			return nil
		}
		if i := strings.IndexByte(name, '.'); i >= 0 {
			name = name[:i]
		}
		h, err := util.ParseHash(name)
		if err != nil {
			return nil
		}
		return fn(h)
	})
}
