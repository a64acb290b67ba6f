package transport

import (
	"context"
	"crypto/rand"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
)

const (
	blobExt    = ".json"
	tmpExt     = ".tmp"
	claimedExt = ".claimed"
)

// DirMedium stores regions as directories of blob files under a root directory. Blob names
// are ULIDs, so lexical order is write order. Writes go to a temporary file that is renamed
// into place, and readers claim a blob by renaming it before reading, so a blob is never seen
// half-written and never consumed twice. Markers are plain files.
type DirMedium struct {
	root string

	mutex   sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewDirMedium creates a DirMedium rooted at root, creating the directory if needed.
func NewDirMedium(root string) (*DirMedium, error) {
	if root == "" {
		return nil, errors.New("root directory cannot be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errors.Wrapf(err, "failed to create %s", root)
	}
	return &DirMedium{
		root:    root,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}, nil
}

// Root returns the root directory.
func (d *DirMedium) Root() string {
	return d.root
}

func (d *DirMedium) nextName() (string, error) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), d.entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// Push implements Medium.
func (d *DirMedium) Push(ctx context.Context, region string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dir := filepath.Join(d.root, region)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "failed to create region %s", region)
	}

	name, err := d.nextName()
	if err != nil {
		return errors.Wrap(err, "failed to generate blob name")
	}
	final := filepath.Join(dir, name+blobExt)
	tmp := final + tmpExt
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %s", tmp)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "failed to publish %s", final)
	}
	return nil
}

// Drain implements Medium.
func (d *DirMedium) Drain(ctx context.Context, region string) ([][]byte, error) {
	dir := filepath.Join(d.root, region)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list region %s", region)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), blobExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var blobs [][]byte
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return blobs, err
		}
		path := filepath.Join(dir, name)
		claimed := path + claimedExt
		if err := os.Rename(path, claimed); err != nil {
			// Another reader claimed it first.
			continue
		}
		data, err := os.ReadFile(claimed)
		_ = os.Remove(claimed)
		if err != nil {
			return blobs, errors.Wrapf(err, "failed to read %s", path)
		}
		blobs = append(blobs, data)
	}
	return blobs, nil
}

// Mark implements Medium.
func (d *DirMedium) Mark(_ context.Context, name string) error {
	path := filepath.Join(d.root, name)
	if err := os.WriteFile(path, []byte(time.Now().UTC().Format(time.RFC3339)), 0o644); err != nil {
		return errors.Wrapf(err, "failed to write marker %s", name)
	}
	return nil
}

// Unmark implements Medium.
func (d *DirMedium) Unmark(_ context.Context, name string) error {
	err := os.Remove(filepath.Join(d.root, name))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Wrapf(err, "failed to remove marker %s", name)
	}
	return nil
}

// Marked implements Medium.
func (d *DirMedium) Marked(_ context.Context, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.root, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, errors.Wrapf(err, "failed to stat marker %s", name)
}

// Close implements Medium. The directory is left in place.
func (d *DirMedium) Close() error {
	return nil
}
