// Package chunkstore implements a log-structured persistent store for
// many small, mutable, identified objects ("chunks"): the replication and
// backup tier behind an in-memory key-value store (spec.md §1). It wires
// together the write-buffer ingestion pipeline, per-backup-range
// secondary logs, the version store, the reorganization worker, and the
// parallel recovery reader.
//
// Grounded on the teacher's db.go (the thin root type holding options and
// delegating to its subsystems) and fio/flock.go (one lock file guarding
// exclusive access to the data directory).
package chunkstore

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cqkv/chunkstore/bufpool"
	"github.com/cqkv/chunkstore/catalog"
	"github.com/cqkv/chunkstore/disk"
	"github.com/cqkv/chunkstore/model"
	"github.com/cqkv/chunkstore/record"
	"github.com/cqkv/chunkstore/recovery"
	"github.com/cqkv/chunkstore/scheduler"
	"github.com/cqkv/chunkstore/secondary"
	"github.com/cqkv/chunkstore/version"
	"github.com/cqkv/chunkstore/writebuffer"
	"github.com/gofrs/flock"
)

const lockFileName = "chunkstore.lock"

// ErrChunkTooLarge is returned by LogChunks when a payload would need more
// chain parts than the 1-byte chain-size field can encode.
var ErrChunkTooLarge = addPrefix("chunk too large to chain")

// ChunkWrite is one chunk to append via LogChunks.
type ChunkWrite struct {
	LocalID uint64
	Payload []byte
}

// rangeResources is the concrete on-disk/runtime state behind a catalog
// Entry, reached through Entry.Resources.
type rangeResources struct {
	secBackend disk.Backend
	secLog     *secondary.Log
	verBackend disk.Backend
	verStore   *version.Store
	secBuf     *writebuffer.SecondaryBuffer
	reorg      *secondary.Reorganizer
}

// Engine is the public backup-tier store.
type Engine struct {
	cfg Config

	catalog *catalog.Catalog

	primaryBackend disk.Backend
	primary        *writebuffer.PrimaryLog
	wb             *writebuffer.Buffer
	drainer        *writebuffer.Drainer

	pool  *bufpool.Pool
	sched *scheduler.Scheduler
	reorg *scheduler.ReorgWorker

	lock *flock.Flock

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Open validates cfg, acquires the backup directory lock, and starts the
// engine's background workers (drainer, reorganization worker).
func Open(opts ...Option) (*Engine, error) {
	cfg := NewConfig(opts...)
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(cfg.BackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}

	lock := flock.New(filepath.Join(cfg.BackupDir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	if !locked {
		return nil, addPrefix("backup directory is in use by another engine instance")
	}

	primaryBackend, err := disk.Open(disk.Config{
		Mode:          cfg.HarddriveAccess,
		Path:          filepath.Join(cfg.BackupDir, "primary.log"),
		Size:          cfg.PrimaryLogSize,
		PageSize:      cfg.FlashPageSize,
		RawDevicePath: cfg.RawDevicePath,
	})
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:            cfg,
		catalog:        catalog.New(),
		primaryBackend: primaryBackend,
		primary:        writebuffer.OpenPrimaryLog(primaryBackend, cfg.PrimaryLogSize),
		wb:             writebuffer.New(cfg.WriteBufferSize, cfg.WriteBufferSize/2),
		pool:           bufpool.New(cfg.BufferPoolSize, int(cfg.LogSegmentSize), bufpoolPageSize(cfg)),
		sched:          scheduler.New(64),
		lock:           lock,
		cancel:         cancel,
	}

	e.drainer = writebuffer.NewDrainer(e.wb, e.primary, e, e.codec(), int(cfg.LogSegmentSize), cfg.FlushInterval, cfg.Logger)
	e.drainer.Start()

	e.reorg = scheduler.NewReorgWorker(e.sched, cfg.ReorgSurveyInterval, cfg.Logger)
	e.reorg.Start(ctx)

	return e, nil
}

func (e *Engine) codec() record.CodecConfig {
	return record.CodecConfig{UseChecksums: e.cfg.UseChecksums, UseTimestamps: e.cfg.UseTimestamps}
}

func (e *Engine) logKey(owner model.NodeID, rng model.RangeID) scheduler.LogKey {
	return scheduler.LogKey{Owner: owner, RangeID: rng}
}

// Target implements writebuffer.FlushSink. It serves both Active and
// Draining ranges: a range entering Draining only rejects *new*
// LogChunks calls (via Entry.BeginWrite); data already posted to the
// write buffer before that point must still be routed through, or it
// would be silently lost.
func (e *Engine) Target(owner model.NodeID, rng model.RangeID) (writebuffer.RangeTarget, bool) {
	entry, ok := e.catalog.Lookup(owner, rng)
	if !ok {
		return writebuffer.RangeTarget{}, false
	}
	res := entry.Resources.(*rangeResources)
	key := e.logKey(owner, rng)
	return writebuffer.RangeTarget{
		SecondaryBuf: res.secBuf,
		Append: func(secondaryEntry []byte, timestamp uint32) error {
			release, err := e.sched.AcquireWrite(context.Background(), key)
			if err != nil {
				return err
			}
			defer release()
			_, _, err = res.secLog.Append(secondaryEntry, timestamp)
			if err == nil && res.secLog.Utilization() >= e.cfg.UtilizationPromptReorganization {
				e.sched.RequestHighPriorityReorg(key)
			}
			return err
		},
	}, true
}

func secondaryLogPath(dir string, owner model.NodeID, rng model.RangeID) string {
	return filepath.Join(dir, fmt.Sprintf("%04x_%04x.sec", owner, rng))
}

func versionLogPath(dir string, owner model.NodeID, rng model.RangeID) string {
	return filepath.Join(dir, fmt.Sprintf("%04x_%04x.ver", owner, rng))
}

// numSecondarySegments picks how many fixed-size segments a range's
// secondary log preallocates: enough that the log's total capacity
// matches the primary log's, a reasonable default absent any §6.4 knob
// naming it explicitly.
func (e *Engine) numSecondarySegments() int {
	n := e.cfg.PrimaryLogSize / e.cfg.LogSegmentSize
	if n < 2 {
		n = 2
	}
	return int(n)
}

// rangeBackendMode is the disk mode used for per-range secondary/version
// logs. Raw mode addresses a single whole block device, which cannot be
// subdivided into the many independently-sized per-range files this layer
// needs, so ranges always fall back to buffered I/O when the engine is
// configured for Raw; Direct and Buffered both carry over unchanged since
// each range gets its own regular file either way.
func (e *Engine) rangeBackendMode() disk.Mode {
	if e.cfg.HarddriveAccess == disk.Raw {
		return disk.Buffered
	}
	return e.cfg.HarddriveAccess
}

// bufpoolPageSize reports the alignment the shared buffer pool's buffers
// must satisfy. Direct and Raw access both bypass the page cache and
// require O_DIRECT-aligned memory for reads into segment-sized scratch
// buffers; Buffered access has no such constraint.
func bufpoolPageSize(cfg Config) int {
	if cfg.HarddriveAccess == disk.Direct || cfg.HarddriveAccess == disk.Raw {
		return int(cfg.FlashPageSize)
	}
	return 0
}

func (e *Engine) openRangeResources(owner model.NodeID, rng model.RangeID) (*rangeResources, error) {
	numSegs := e.numSecondarySegments()
	mode := e.rangeBackendMode()
	secBackend, err := disk.Open(disk.Config{
		Mode:     mode,
		Path:     secondaryLogPath(e.cfg.BackupDir, owner, rng),
		Size:     int64(numSegs) * e.cfg.LogSegmentSize,
		PageSize: e.cfg.FlashPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	secLog, err := secondary.Open(secBackend, numSegs, int(e.cfg.LogSegmentSize))
	if err != nil {
		secBackend.Close()
		return nil, err
	}

	verBackend, err := disk.Open(disk.Config{
		Mode:     mode,
		Path:     versionLogPath(e.cfg.BackupDir, owner, rng),
		PageSize: e.cfg.FlashPageSize,
	})
	if err != nil {
		secBackend.Close()
		return nil, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	verStore, err := version.Open(verBackend)
	if err != nil {
		secBackend.Close()
		verBackend.Close()
		return nil, err
	}

	reorg := secondary.New(secLog, verStore, secondary.ReorgConfig{
		Owner:                owner,
		Codec:                e.codec(),
		ActivateUtilization:  e.cfg.UtilizationActivateReorganization,
		PromptUtilization:    e.cfg.UtilizationPromptReorganization,
		ColdDataThresholdSec: e.cfg.ColdDataThresholdSec,
	})
	reorg.SetBufferPool(e.pool)

	secBuf := writebuffer.NewSecondaryBuffer(secLog, e.cfg.SecondaryLogBufferSize)
	secBuf.SetWriteGate(e.sched, e.logKey(owner, rng))

	return &rangeResources{
		secBackend: secBackend,
		secLog:     secLog,
		verBackend: verBackend,
		verStore:   verStore,
		secBuf:     secBuf,
		reorg:      reorg,
	}, nil
}

// InitBackupRange implements init_backup_range: creates a fresh backup
// range's secondary log, version log, and secondary buffer. Returns false
// (no error) if the range already exists.
func (e *Engine) InitBackupRange(owner model.NodeID, rng model.RangeID) (bool, error) {
	if _, ok := e.catalog.Lookup(owner, rng); ok {
		return false, nil
	}
	res, err := e.openRangeResources(owner, rng)
	if err != nil {
		return false, err
	}
	entry := &catalog.Entry{Owner: owner, RangeID: rng, Resources: res}
	if err := e.catalog.Insert(entry); err != nil {
		res.secLog.Close()
		res.secBackend.Close()
		res.verStore.Close()
		return false, nil
	}
	e.reorg.Register(e.logKey(owner, rng), res.reorg)
	return true, nil
}

// InitRecoveredBackupRange implements init_recovered_backup_range: creates
// a backup range whose identity differs from the one it was recovered
// from (e.g. after a node reassignment). Mirrors the original DXLog's
// initRecoveredBackupRange, whose javadoc reads "creating a new one or
// transferring the old": isNew selects between a fresh empty range and one
// that receives the chunks recovered from the files left behind by
// (origOwner, origRng), which are removed afterward. Only the latter records
// origOwner/origRng in the catalog entry.
func (e *Engine) InitRecoveredBackupRange(owner model.NodeID, rng model.RangeID, origOwner model.NodeID, origRng model.RangeID, isNew bool) (bool, error) {
	if _, ok := e.catalog.Lookup(owner, rng); ok {
		return false, nil
	}

	var res *rangeResources
	var err error
	if isNew {
		res, err = e.openRangeResources(owner, rng)
	} else {
		res, err = e.transferRangeResources(owner, rng, origOwner, origRng)
	}
	if err != nil {
		return false, err
	}

	entry := &catalog.Entry{Owner: owner, RangeID: rng}
	if !isNew {
		entry.OrigOwner, entry.OrigRangeID, entry.IsRecovered = origOwner, origRng, true
	}
	entry.Resources = res
	if err := e.catalog.Insert(entry); err != nil {
		res.secLog.Close()
		res.secBackend.Close()
		res.verStore.Close()
		return false, nil
	}
	e.reorg.Register(e.logKey(owner, rng), res.reorg)
	return true, nil
}

// transferRangeResources implements the "transferring the old" branch of
// init_recovered_backup_range: it opens a fresh range at (owner, rng), then
// recovers whatever chunks survive in the original (origOwner, origRng)
// files and re-logs each one into the fresh range before removing the
// original files. A recovered chunk keeps its true origin node stamped in
// a migrated header so its ChunkID (origin-owner-rooted, not
// new-range-owner-rooted) reconstructs correctly afterward.
func (e *Engine) transferRangeResources(owner model.NodeID, rng model.RangeID, origOwner model.NodeID, origRng model.RangeID) (*rangeResources, error) {
	res, err := e.openRangeResources(owner, rng)
	if err != nil {
		return nil, err
	}

	oldSecPath := secondaryLogPath(e.cfg.BackupDir, origOwner, origRng)
	if _, statErr := os.Stat(oldSecPath); statErr != nil {
		// nothing on disk to transfer: treat like a fresh range.
		return res, nil
	}

	mode := e.rangeBackendMode()
	oldSecBackend, err := disk.Open(disk.Config{Mode: mode, Path: oldSecPath, PageSize: e.cfg.FlashPageSize})
	if err != nil {
		e.cfg.Logger.Printf("chunkstore: transfer from %04x/%04x: could not open old secondary log: %v", origOwner, origRng, err)
		return res, nil
	}
	defer oldSecBackend.Close()
	numSegs := e.numSecondarySegments()
	oldSecLog, err := secondary.OpenForScan(oldSecBackend, numSegs, int(e.cfg.LogSegmentSize))
	if err != nil {
		e.cfg.Logger.Printf("chunkstore: transfer from %04x/%04x: could not open old secondary log: %v", origOwner, origRng, err)
		return res, nil
	}

	oldVerStore, cleanupVerStore, err := e.openEphemeralVersionStore()
	if err != nil {
		e.cfg.Logger.Printf("chunkstore: transfer from %04x/%04x: could not open scratch version store: %v", origOwner, origRng, err)
		return res, nil
	}
	defer cleanupVerStore()

	oldRecovery := recovery.New(oldSecLog, oldVerStore, origOwner, e.codec(), e.cfg.Logger)
	oldRecovery.SetBufferPool(e.pool)
	sink := &transferSink{res: res, newOwner: owner, codec: e.codec()}
	if _, err := oldRecovery.Run(context.Background(), sink, e.cfg.RecoveryWorkers); err != nil {
		e.cfg.Logger.Printf("chunkstore: transfer from %04x/%04x failed: %v", origOwner, origRng, err)
	}

	os.Remove(oldSecPath)
	os.Remove(versionLogPath(e.cfg.BackupDir, origOwner, origRng))
	return res, nil
}

// openEphemeralVersionStore is the same throwaway-temp-file trick
// RecoverBackupRangeFromFile uses: a version store whose GetCurrent always
// reports ZeroVersion, so every entry in a detached file passes the
// recovery liveness filter.
func (e *Engine) openEphemeralVersionStore() (*version.Store, func(), error) {
	tmp, err := os.CreateTemp("", "chunkstore-transfer-*.ver")
	if err != nil {
		return nil, nil, err
	}
	tmpPath := tmp.Name()
	tmp.Close()

	backend, err := disk.Open(disk.Config{Mode: disk.Buffered, Path: tmpPath})
	if err != nil {
		os.Remove(tmpPath)
		return nil, nil, err
	}
	store, err := version.Open(backend)
	if err != nil {
		backend.Close()
		os.Remove(tmpPath)
		return nil, nil, err
	}
	cleanup := func() {
		backend.Close()
		os.Remove(tmpPath)
	}
	return store, cleanup, nil
}

// transferSink re-logs a chunk recovered from an old backup range's files
// directly into a freshly opened range's resources.
type transferSink struct {
	res      *rangeResources
	newOwner model.NodeID
	codec    record.CodecConfig
}

func (t *transferSink) CreateAndPut(c model.Chunk) error {
	v, err := t.res.verStore.GetNext(c.ID)
	if err != nil {
		return err
	}
	migrated := c.ID.NodeID() != t.newOwner
	h := record.Header{
		Dialect: record.Secondary, Migrated: migrated, NodeID: c.ID.NodeID(),
		LocalID: c.ID.LocalID(), Length: uint32(len(c.Payload)),
		Epoch: v.Epoch, Counter: v.Counter,
	}
	hdr := record.Serialize(h, t.codec, false)
	record.AddChecksum(hdr, h, t.codec, false, c.Payload)
	entry := append(hdr, c.Payload...)
	return t.res.secBuf.Write(entry, 0)
}

// RemoveBackupRange implements remove_backup_range: marks the range
// draining so new writes are rejected, waits for in-flight writes to
// finish, then frees its files (spec.md §5).
func (e *Engine) RemoveBackupRange(owner model.NodeID, rng model.RangeID) error {
	entry, ok := e.catalog.Lookup(owner, rng)
	if !ok {
		return ErrRangeNotFound
	}
	entry.BeginDrain()

	for entry.Inflight() > 0 {
		time.Sleep(time.Millisecond)
	}

	// a LogChunks call that just finished may have posted a batch that is
	// still sitting in the write buffer, not yet routed to this range's
	// secondary log; give the drainer a couple of flush cycles to clear it
	// before the range's files are closed out from under it.
	e.wb.RequestFlush()
	time.Sleep(2 * e.cfg.FlushInterval)

	e.reorg.Unregister(e.logKey(owner, rng))
	if _, err := e.catalog.Remove(owner, rng); err != nil {
		return err
	}

	res := entry.Resources.(*rangeResources)
	res.secLog.Close()
	res.secBackend.Close()
	res.verStore.Close()
	os.Remove(secondaryLogPath(e.cfg.BackupDir, owner, rng))
	os.Remove(versionLogPath(e.cfg.BackupDir, owner, rng))
	return nil
}

// partSize is the per-part payload size once a chunk is chained (spec.md
// §3: chaining is present when payload exceeds half a segment).
func (e *Engine) partSize() int {
	return int(e.cfg.LogSegmentSize) / 2
}

// LogChunks implements log_chunks: assigns each chunk its next version,
// serializes it (splitting into chained parts if it exceeds half a
// segment), and posts the batch to the write buffer.
func (e *Engine) LogChunks(owner model.NodeID, rng model.RangeID, chunks []ChunkWrite) ([]model.Version, error) {
	entry, ok := e.catalog.Lookup(owner, rng)
	if !ok {
		return nil, ErrRangeNotFound
	}
	if !entry.BeginWrite() {
		return nil, ErrRangeRemoving
	}
	defer entry.EndWrite()

	res := entry.Resources.(*rangeResources)
	codec := e.codec()
	threshold := e.partSize()

	// A recovered-and-transferred range's CIDs and on-wire headers must
	// still point back to the node that originally owned the data, not
	// this range's current owner (spec.md §6.2 init_recovered_backup_range;
	// grounded on DXLog's MigrationSecLogEntryHeader, whose explicit NodeID
	// field reconstructs getCID = (NodeID<<48)+LocalID after a transfer).
	nodeForCID := owner
	migrated := false
	if entry.IsRecovered {
		nodeForCID = entry.OrigOwner
		migrated = true
	}

	versions := make([]model.Version, len(chunks))
	var batch []byte
	var timestamp uint32
	if codec.UseTimestamps {
		timestamp = uint32(time.Now().Unix())
	}

	for i, c := range chunks {
		cid := model.NewChunkID(nodeForCID, c.LocalID)
		v, err := res.verStore.GetNext(cid)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIoError, err)
		}
		versions[i] = v

		if len(c.Payload) <= threshold {
			h := record.Header{
				Dialect: record.Primary, NodeID: nodeForCID, Migrated: migrated, LocalID: c.LocalID,
				Length: uint32(len(c.Payload)), RangeID: rng,
				Timestamp: timestamp, Epoch: v.Epoch, Counter: v.Counter,
			}
			hdr := record.Serialize(h, codec, false)
			record.AddChecksum(hdr, h, codec, false, c.Payload)
			batch = append(batch, hdr...)
			batch = append(batch, c.Payload...)
			continue
		}

		chainSize := int(math.Ceil(float64(len(c.Payload)) / float64(threshold)))
		if chainSize > 255 {
			return nil, ErrChunkTooLarge
		}
		for idx := 0; idx < chainSize; idx++ {
			start := idx * threshold
			end := start + threshold
			if end > len(c.Payload) {
				end = len(c.Payload)
			}
			part := c.Payload[start:end]
			h := record.Header{
				Dialect: record.Primary, NodeID: nodeForCID, Migrated: migrated, LocalID: c.LocalID,
				Length: uint32(len(part)), RangeID: rng,
				Timestamp: timestamp, Epoch: v.Epoch, Counter: v.Counter,
				Chained: true, ChainIndex: uint8(idx), ChainSize: uint8(chainSize),
			}
			hdr := record.Serialize(h, codec, false)
			record.AddChecksum(hdr, h, codec, false, part)
			batch = append(batch, hdr...)
			batch = append(batch, part...)
		}
	}

	if err := e.wb.Post(owner, rng, batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrShutdown, err)
	}
	return versions, nil
}

// RemoveChunks implements remove_chunks: a logical delete via version-store
// tombstones (spec.md §4.3 Invalidate).
func (e *Engine) RemoveChunks(owner model.NodeID, rng model.RangeID, cids []model.ChunkID) error {
	entry, ok := e.catalog.Lookup(owner, rng)
	if !ok {
		return ErrRangeNotFound
	}
	res := entry.Resources.(*rangeResources)
	if err := res.verStore.Invalidate(cids); err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	return nil
}

// RecoverBackupRange implements recover_backup_range: a parallel scan of
// the range's secondary log, streaming surviving chunks to sink. Entries
// already routed into the range's secondary buffer are flushed to the log
// first; data still in the write buffer is not drained by this call.
func (e *Engine) RecoverBackupRange(ctx context.Context, owner model.NodeID, rng model.RangeID, sink recovery.Sink) (recovery.Metadata, error) {
	entry, ok := e.catalog.Lookup(owner, rng)
	if !ok {
		return recovery.Metadata{}, ErrRangeNotFound
	}
	res := entry.Resources.(*rangeResources)
	if err := res.secBuf.Flush(0); err != nil {
		return recovery.Metadata{}, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	r := recovery.New(res.secLog, res.verStore, owner, e.codec(), e.cfg.Logger)
	r.SetBufferPool(e.pool)
	return r.Run(ctx, sink, e.cfg.RecoveryWorkers)
}

// RecoverBackupRangeFromFile implements recover_backup_range_from_file: a
// standalone file has no associated version log, so every entry in it is
// treated as current.
func (e *Engine) RecoverBackupRangeFromFile(ctx context.Context, path string, owner model.NodeID) ([]model.Chunk, recovery.Metadata, error) {
	store, cleanup, err := e.openEphemeralVersionStore()
	if err != nil {
		return nil, recovery.Metadata{}, fmt.Errorf("%w: %v", ErrIoError, err)
	}
	defer cleanup()

	return recovery.RecoverFile(ctx, path, owner, e.codec(), store)
}

// CurrentUtilization implements current_utilization: a human-readable
// per-range utilization report (SPEC_FULL.md Part D).
func (e *Engine) CurrentUtilization() string {
	type row struct {
		owner   model.NodeID
		rng     model.RangeID
		used    int64
		total   int64
		state   string
	}
	var rows []row
	var totalUsed, totalCapacity int64

	e.catalog.Range(func(entry *catalog.Entry) bool {
		res := entry.Resources.(*rangeResources)
		var used int64
		for _, seg := range res.secLog.Segments() {
			used += seg.UsedBytes()
		}
		total := int64(res.secLog.NumSegments()) * int64(res.secLog.SegmentSize())
		state := "active"
		if entry.State() == catalog.Draining {
			state = "draining"
		}
		rows = append(rows, row{entry.Owner, entry.RangeID, used, total, state})
		totalUsed += used
		totalCapacity += total
		return true
	})
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].owner != rows[j].owner {
			return rows[i].owner < rows[j].owner
		}
		return rows[i].rng < rows[j].rng
	})

	var sb strings.Builder
	for _, r := range rows {
		pct := 0.0
		if r.total > 0 {
			pct = 100 * float64(r.used) / float64(r.total)
		}
		fmt.Fprintf(&sb, "range %04x/%04x: %d/%d bytes (%.1f%%) [%s]\n", r.owner, r.rng, r.used, r.total, pct, r.state)
	}
	pct := 0.0
	if totalCapacity > 0 {
		pct = 100 * float64(totalUsed) / float64(totalCapacity)
	}
	fmt.Fprintf(&sb, "total: %d/%d bytes (%.1f%%) across %d ranges\n", totalUsed, totalCapacity, pct, len(rows))
	return sb.String()
}

// Close shuts the engine down idempotently (spec.md §8 property 8):
// stops the drainer and reorganization worker, closes every range's
// files, closes the primary log, and releases the backup directory lock.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.cancel()
		e.drainer.Close()
		e.reorg.Close()

		e.catalog.Range(func(entry *catalog.Entry) bool {
			res := entry.Resources.(*rangeResources)
			res.secLog.Close()
			res.secBackend.Close()
			res.verStore.Close()
			return true
		})

		e.pool.Close()
		if cerr := e.primary.Close(); cerr != nil {
			err = cerr
		}
		e.lock.Unlock()
	})
	return err
}

// PurgeBackupDirectory removes every chunkstore file under dir (primary
// log, per-range secondary/version logs, the lock file) without removing
// dir itself. It is never called automatically by Open (spec.md §9 open
// question, resolved): a caller must invoke it explicitly, typically
// before reinitializing a backup directory from scratch.
func PurgeBackupDirectory(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrIoError, err)
	}
	for _, ent := range entries {
		name := ent.Name()
		if name == "primary.log" || name == lockFileName || strings.HasSuffix(name, ".sec") || strings.HasSuffix(name, ".ver") {
			if err := os.Remove(filepath.Join(dir, name)); err != nil {
				return fmt.Errorf("%w: %v", ErrIoError, err)
			}
		}
	}
	return nil
}
