package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/common"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree/internal"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/afero"
	"os"
	"slices"
)

const (
	recoveredSuffix = ".recovered"
	deletedSuffix   = ".deleted"
)

// RecoverFile salvages what can still be read from a damaged data file and
// its log. The entries are written into a fresh file which then replaces the
// original. The original is kept as <file>.deleted, its log as
// <file>.deleted.wal. It returns the number of entries of the new file.
//
// Corrupt nodes are skipped together with their subtree. If the meta record
// is unreadable every block holding a valid leaf is used instead. Running
// RecoverFile on an intact file rewrites it with the same content.
func RecoverFile[K any, V any](opts *Options[K, V]) (int64, error) {
	if opts == nil {
		return 0, db.NewError(db.CodeConfiguration, "options are required")
	}
	o := *opts
	o.StorageType = StorageDisk
	o.CreateFile = storage.NeverCreate
	if err := o.Validate(); err != nil {
		return 0, err
	}
	log := o.Logger
	if log == nil {
		log = common.NewLogger("bptree", logger.INFO)
	}
	fs := o.FileSystem
	if fs == nil {
		fs = afero.NewOsFs()
	}
	path, walPath := o.FileName, o.FileName+".wal"

	store, _, err := storage.OpenFileStore(storage.FileOptions{
		Fs:        fs,
		Path:      path,
		BlockSize: o.FileBlockSize,
		Growth:    o.FileGrowthRate,
		Policy:    storage.NeverCreate,
	})
	if errors.Is(err, storage.ErrNotExist) {
		return 0, db.WrapError(db.CodeConfiguration, err, "cannot recover %s", path)
	}
	if err != nil {
		return 0, storageError(err, "cannot open %s", path)
	}

	r := &salvage{
		log:     log,
		entries: make(map[string][]byte),
		visited: make(map[storage.BlockRef]bool),
	}
	r.collect(store, fs, walPath)
	_ = store.Close()

	count, err := writeRecovered(&o, fs, r.entries, log)
	if err != nil {
		return 0, err
	}
	if err := swapFiles(fs, path); err != nil {
		return 0, err
	}

	log.Infof("recovered %d entries of %s (%d nodes skipped, %d operations replayed)", count, path, r.skipped, r.replayed)
	return count, nil
}

// salvage gathers raw entries from a damaged file
type salvage struct {
	log      logger.ILogger
	view     storage.IBlockStore
	entries  map[string][]byte
	visited  map[storage.BlockRef]bool
	skipped  int
	replayed int
}

func (r *salvage) collect(store storage.IBlockStore, fs afero.Fs, walPath string) {
	scan, err := wal.Scan(fs, walPath)
	if err != nil {
		r.log.Warningf("ignoring unreadable log %s: %v", walPath, err)
		scan = wal.ScanResult{}
	}

	r.view = store
	current, _, metaErr := readMeta(store)
	logMatches := scan.Exists && (metaErr != nil || current.FileID == scan.FileID)
	if logMatches && scan.HasCheckpoint {
		overlay := storage.NewOverlay(store, scan.Images)
		if m, _, err := readMeta(overlay); err == nil && m.FileID == scan.FileID {
			r.view = overlay
		}
	}

	var ckptLSN uint64
	m, _, err := readMeta(r.view)
	switch {
	case err == nil:
		ckptLSN = m.CheckpointLSN
		logMatches = logMatches && m.FileID == scan.FileID
		r.walk(m.Root, m.Height-1)
	default:
		r.log.Warningf("meta record unreadable (%v), scanning all blocks for leaves", err)
		r.scanLeaves()
	}

	if !logMatches {
		return
	}
	for _, c := range scan.Committed {
		if c.LSN <= ckptLSN {
			continue
		}
		switch c.Op.Kind {
		case wal.OpPut:
			r.entries[string(c.Op.Key)] = c.Op.Value
		case wal.OpDelete:
			delete(r.entries, string(c.Op.Key))
		}
		r.replayed++
	}
}

// walk collects the entries below ref. level is the expected distance to
// the leaves, a node that does not fit it is treated as corrupt.
func (r *salvage) walk(ref storage.BlockRef, level int) {
	if ref == storage.NoBlock || r.visited[ref] || level < 0 {
		r.skipped++
		return
	}
	r.visited[ref] = true

	node, err := r.load(ref)
	if err == nil && node.Leaf != (level == 0) {
		err = errors.New("node does not match its depth")
	}
	if err != nil {
		r.log.Warningf("skipping subtree at block %d: %v", ref, err)
		r.skipped++
		return
	}

	if node.Leaf {
		r.add(node)
		return
	}
	for _, child := range node.Children {
		r.walk(child, level-1)
	}
}

// scanLeaves collects the entries of every block that holds a valid leaf
func (r *salvage) scanLeaves() {
	bs := r.view.BlockSize()
	for ref := storage.MetaBlock + 1; ref < r.view.NextBlock(); ref++ {
		data, err := r.view.Read(ref)
		if err != nil {
			break
		}
		if kind, ok := storage.PeekKind(data, bs, ref); !ok || kind != storage.KindLeaf {
			continue
		}
		node, err := r.load(ref)
		if err != nil {
			r.skipped++
			continue
		}
		r.add(node)
	}
}

func (r *salvage) load(ref storage.BlockRef) (*internal.Node[[]byte], error) {
	kind, payload, _, err := storage.DecodeRecord(r.view.Read, r.view.BlockSize(), ref)
	if err != nil {
		return nil, err
	}
	return internal.Decode(kind, payload, func(b []byte) ([]byte, error) { return b, nil })
}

func (r *salvage) add(leaf *internal.Node[[]byte]) {
	for i, raw := range leaf.RawKeys {
		r.entries[string(raw)] = leaf.Values[i]
	}
}

// writeRecovered stores the entries in <file>.recovered and returns their
// number. Entries whose key or value no longer deserializes are dropped.
func writeRecovered[K any, V any](o *Options[K, V], fs afero.Fs, entries map[string][]byte, log logger.ILogger) (int64, error) {
	type kv struct {
		key   K
		value V
	}
	decoded := make([]kv, 0, len(entries))
	for raw, rawVal := range entries {
		key, err := o.KeySerializer.Deserialize([]byte(raw))
		if err != nil {
			log.Warningf("dropping entry with undecodable key: %v", err)
			continue
		}
		value, err := o.ValueSerializer.Deserialize(rawVal)
		if err != nil {
			log.Warningf("dropping entry with undecodable value: %v", err)
			continue
		}
		decoded = append(decoded, kv{key, value})
	}
	slices.SortFunc(decoded, func(a, b kv) int { return o.KeyComparer(a.key, b.key) })

	ro := *o
	ro.FileName = o.FileName + recoveredSuffix
	ro.FileSystem = fs
	ro.CreateFile = storage.CreateAlways
	ro.ReadOnly = false
	ro.Logger = log
	out, err := Open(&ro)
	if err != nil {
		return 0, err
	}
	for _, e := range decoded {
		if err := out.Set(e.key, e.value); err != nil {
			_ = out.Close()
			return 0, err
		}
	}
	count := out.Count()
	if err := out.Close(); err != nil {
		return 0, err
	}
	return count, nil
}

// swapFiles moves the original file and log to .deleted and the recovered
// ones into their place
func swapFiles(fs afero.Fs, path string) error {
	rename := func(from, to string) error {
		if err := fs.Rename(from, to); err != nil && !errors.Is(err, os.ErrNotExist) {
			return db.WrapError(db.CodeIOFailure, err, "cannot rename %s to %s", from, to)
		}
		return nil
	}
	remove := func(name string) error {
		if err := fs.Remove(name); err != nil && !errors.Is(err, os.ErrNotExist) {
			return db.WrapError(db.CodeIOFailure, err, "cannot remove %s", name)
		}
		return nil
	}

	deleted := path + deletedSuffix
	recovered := path + recoveredSuffix
	steps := []func() error{
		func() error { return remove(deleted) },
		func() error { return remove(deleted + ".wal") },
		func() error { return rename(path, deleted) },
		func() error { return rename(path+".wal", deleted+".wal") },
		func() error { return rename(recovered, path) },
		func() error { return rename(recovered+".wal", path+".wal") },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
