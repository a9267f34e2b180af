package bptree

import (
	"errors"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/ValentinKolb/bKV/lib/db/util"
	"github.com/ValentinKolb/bKV/lib/storage"
)

// Info is the metadata part of GetInfo
type Info struct {
	Name          string `json:"name"`
	Storage       string `json:"storage"`
	ReadOnly      bool   `json:"read_only"`
	Entries       int64  `json:"entries"`
	Height        int    `json:"height"`
	BlockSize     int    `json:"block_size"`
	LeafOrder     int    `json:"leaf_order"`
	InternalOrder int    `json:"internal_order"`
	LeafNodes     int    `json:"leaf_nodes"`
	InternalNodes int    `json:"internal_nodes"`
	Blocks        uint64 `json:"blocks"`
	FreeBlocks    int    `json:"free_blocks"`
	WALBytes      int64  `json:"wal_bytes"`
	CachedNodes   int    `json:"cached_nodes"`
	DirtyNodes    int    `json:"dirty_nodes"`
	Latches       int    `json:"latches"`
	KeyStripes    int    `json:"key_stripes"`
	Checkpoints   uint64 `json:"checkpoints"`

	LeafFill   util.DistributionStats `json:"leaf_fill"`
	ValueSizes ValueSizeInfo          `json:"value_sizes"`
}

// ValueSizeInfo are estimates from the value size histogram of this session
type ValueSizeInfo struct {
	Samples int64 `json:"samples"`
	Average int   `json:"average"`
	Median  int   `json:"median"`
	P90     int   `json:"p90"`
	P99     int   `json:"p99"`
}

const supportedFeatures = db.FeatureLookup | db.FeatureInsert | db.FeatureSet | db.FeatureUpdate |
	db.FeatureDelete | db.FeatureHas | db.FeatureEnumerate | db.FeatureCount | db.FeatureCheckpoint |
	db.FeatureCallLevelLock

func (t *Tree[K, V]) features() db.Feature {
	f := supportedFeatures
	if t.opts.StorageType == StorageDisk {
		f |= db.FeatureDurable
	}
	return f
}

// SupportsFeature checks if all given features are supported
func (t *Tree[K, V]) SupportsFeature(feature db.Feature) bool {
	return t.features()&feature == feature
}

// GetInfo walks the tree and reports its shape. The walk runs concurrently
// with other operations, the node counts are a snapshot of no single
// point in time.
func (t *Tree[K, V]) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:            db.ImplBPTree,
		SupportedFeatures: t.features().Features(),
	}
	md := Info{
		Name:          t.name,
		Storage:       t.opts.StorageType.String(),
		ReadOnly:      t.readOnly,
		Entries:       t.count.Value(),
		BlockSize:     t.opts.FileBlockSize,
		LeafOrder:     t.leafMax,
		InternalOrder: t.childMax,
		KeyStripes:    t.locks.Stripes(),
	}

	tok, err := t.enter()
	if err != nil {
		info.Metadata = md
		return info
	}
	defer t.leave(tok)

	md.Height = int(t.height.Load())
	md.Blocks = t.store.NextBlock()
	md.FreeBlocks = len(t.store.FreeBlocks())
	md.WALBytes = t.walSize()
	md.CachedNodes = t.cache.Len()
	md.DirtyNodes = t.cache.DirtyCount()
	md.Latches = t.locks.Latches()
	md.Checkpoints = t.generation

	var fill []float64
	if err := t.walk(func(n *nodeSummary) {
		if n.leaf {
			md.LeafNodes++
			fill = append(fill, float64(n.size)/float64(t.leafMax))
		} else {
			md.InternalNodes++
		}
	}); err != nil {
		t.log.Warningf("info walk of %s stopped: %v", t.name, err)
	}
	md.LeafFill = util.NewDistributionStats(fill)
	md.ValueSizes = ValueSizeInfo{
		Samples: t.valueSizes.GetCount(),
		Average: t.valueSizes.AverageSize(),
		Median:  t.valueSizes.MedianEstimate(),
		P90:     t.valueSizes.GetPercentileEstimate(90),
		P99:     t.valueSizes.GetPercentileEstimate(99),
	}

	info.SizeBytes = int64(md.Blocks)*int64(t.opts.FileBlockSize) + md.WALBytes
	info.Metadata = md
	return info
}

type nodeSummary struct {
	leaf bool
	size int
}

// walk visits every node breadth first, latching one node at a time. Nodes
// freed while the walk runs are skipped.
func (t *Tree[K, V]) walk(visit func(n *nodeSummary)) error {
	ref, _, err := t.lockRoot(false)
	if err != nil {
		return err
	}
	release(t.rootLatch, false)

	queue := []storage.BlockRef{ref}
	for len(queue) > 0 {
		ref, queue = queue[0], queue[1:]
		h, err := t.latch(ref, false)
		if errors.Is(err, errNodeFreed) {
			continue
		}
		if err != nil {
			return err
		}
		visit(&nodeSummary{leaf: h.node.Leaf, size: h.node.Size()})
		if !h.node.Leaf {
			queue = append(queue, h.node.Children...)
		}
		t.unlatch(h)
	}
	return nil
}
