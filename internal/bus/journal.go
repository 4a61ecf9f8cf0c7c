package bus

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/strikeline/strikeline/errs"
)

// record is the on-disk form of one appended message, one JSON object per line.
type record struct {
	Seq         uint64            `json:"seq"`
	Subject     string            `json:"subject"`
	MsgID       string            `json:"msg_id"`
	Headers     map[string]string `json:"headers,omitempty"`
	PublishedAt float64           `json:"published_at"`
	Data        json.RawMessage   `json:"data"`
}

const segmentSuffix = ".log"

// journal is one append-only stream backed by rolling segment files. Segment
// files are named by the sequence of their first record; retention deletes
// whole segments once their newest append is older than maxAge.
type journal struct {
	dir             string
	stream          string
	segmentMaxBytes int64
	dedupWindow     time.Duration

	mu         sync.Mutex
	active     *os.File
	activeName string
	activeSize int64
	nextSeq    uint64
	lastSeq    uint64
	dedup      map[string]time.Time
	notify     chan struct{}

	now func() time.Time
}

func openJournal(root, stream string, cfg Config) (*journal, error) {
	dir := filepath.Join(root, stream)
	if err := os.MkdirAll(filepath.Join(dir, "consumers"), 0o755); err != nil {
		return nil, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("create stream directory"),
			errs.WithCause(err),
			errs.WithContext("stream", stream))
	}
	j := &journal{
		dir:             dir,
		stream:          stream,
		segmentMaxBytes: cfg.SegmentMaxBytes,
		dedupWindow:     cfg.DedupWindow,
		nextSeq:         1,
		dedup:           make(map[string]time.Time),
		notify:          make(chan struct{}, 1),
		now:             time.Now,
	}
	if err := j.recover(); err != nil {
		return nil, err
	}
	return j, nil
}

// recover rebuilds the next sequence and the dedup window from existing
// segments. Only segments young enough to intersect the dedup window are
// scanned for message IDs.
func (j *journal) recover() error {
	segments, err := j.segmentFiles()
	if err != nil {
		return err
	}
	dedupFloor := j.now().Add(-j.dedupWindow)
	for i, seg := range segments {
		info, err := os.Stat(seg)
		if err != nil {
			continue
		}
		scanDedup := info.ModTime().After(dedupFloor)
		// The last segment must always be scanned to find the tail sequence.
		if !scanDedup && i < len(segments)-1 {
			continue
		}
		if err := j.scanSegment(seg, scanDedup, dedupFloor); err != nil {
			return err
		}
	}
	if j.lastSeq >= j.nextSeq {
		j.nextSeq = j.lastSeq + 1
	}
	return nil
}

func (j *journal) scanSegment(path string, scanDedup bool, dedupFloor time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("open segment"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		var rec record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			// A torn tail write from a crash; everything before it is intact.
			break
		}
		if rec.Seq > j.lastSeq {
			j.lastSeq = rec.Seq
		}
		if scanDedup && rec.MsgID != "" {
			at := time.Unix(0, int64(rec.PublishedAt*float64(time.Second)))
			if at.After(dedupFloor) {
				j.dedup[rec.MsgID] = at
			}
		}
	}
	return nil
}

// append writes one record, reporting whether it was suppressed as a duplicate.
func (j *journal) append(subject, msgID string, headers map[string]string, data []byte) (uint64, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	now := j.now()
	if msgID != "" {
		j.pruneDedupLocked(now)
		if _, seen := j.dedup[msgID]; seen {
			return 0, true, nil
		}
	}
	rec := record{
		Seq:         j.nextSeq,
		Subject:     subject,
		MsgID:       msgID,
		Headers:     headers,
		PublishedAt: float64(now.UnixNano()) / float64(time.Second),
		Data:        json.RawMessage(data),
	}
	line, err := json.Marshal(&rec)
	if err != nil {
		return 0, false, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("encode record"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	if err := j.ensureSegmentLocked(rec.Seq); err != nil {
		return 0, false, err
	}
	line = append(line, '\n')
	n, err := j.active.Write(line)
	if err != nil {
		return 0, false, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("append record"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	j.activeSize += int64(n)
	j.nextSeq++
	j.lastSeq = rec.Seq
	if msgID != "" {
		j.dedup[msgID] = now
	}
	select {
	case j.notify <- struct{}{}:
	default:
	}
	return rec.Seq, false, nil
}

func (j *journal) ensureSegmentLocked(firstSeq uint64) error {
	if j.active != nil && j.activeSize < j.segmentMaxBytes {
		return nil
	}
	if j.active != nil {
		_ = j.active.Close()
		j.active = nil
	}
	name := filepath.Join(j.dir, fmt.Sprintf("%020d%s", firstSeq, segmentSuffix))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("open segment for append"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("stat segment"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	j.active = f
	j.activeName = name
	j.activeSize = info.Size()
	return nil
}

func (j *journal) pruneDedupLocked(now time.Time) {
	floor := now.Add(-j.dedupWindow)
	for id, at := range j.dedup {
		if at.Before(floor) {
			delete(j.dedup, id)
		}
	}
}

// read returns up to max records with seq > after, in sequence order.
func (j *journal) read(after uint64, max int) ([]record, error) {
	segments, err := j.segmentFiles()
	if err != nil {
		return nil, err
	}
	out := make([]record, 0, max)
	for _, seg := range segments {
		if len(out) >= max {
			break
		}
		if _, ok := segmentFirstSeq(seg); !ok {
			continue
		}
		// Skip segments that end before the cursor: the next segment's first
		// sequence bounds this one's last.
		if next := nextSegmentFirst(segments, seg); next > 0 && next <= after+1 {
			continue
		}
		f, err := os.Open(seg)
		if err != nil {
			continue
		}
		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
		for scanner.Scan() && len(out) < max {
			var rec record
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				break
			}
			if rec.Seq <= after {
				continue
			}
			out = append(out, rec)
		}
		_ = f.Close()
	}
	return out, nil
}

func nextSegmentFirst(segments []string, current string) uint64 {
	for i, seg := range segments {
		if seg == current && i+1 < len(segments) {
			if first, ok := segmentFirstSeq(segments[i+1]); ok {
				return first
			}
		}
	}
	return 0
}

func (j *journal) segmentFiles() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("list segments"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream))
	}
	segments := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), segmentSuffix) {
			continue
		}
		segments = append(segments, filepath.Join(j.dir, entry.Name()))
	}
	sort.Strings(segments)
	return segments, nil
}

func segmentFirstSeq(path string) (uint64, bool) {
	base := strings.TrimSuffix(filepath.Base(path), segmentSuffix)
	seq, err := strconv.ParseUint(base, 10, 64)
	if err != nil {
		return 0, false
	}
	return seq, true
}

// sweepRetention deletes inactive segments whose newest append is older than
// maxAge. The active segment is never removed.
func (j *journal) sweepRetention(maxAge time.Duration) {
	j.mu.Lock()
	active := j.activeName
	j.mu.Unlock()

	segments, err := j.segmentFiles()
	if err != nil {
		return
	}
	floor := j.now().Add(-maxAge)
	for _, seg := range segments {
		if seg == active {
			continue
		}
		info, err := os.Stat(seg)
		if err != nil {
			continue
		}
		if info.ModTime().Before(floor) {
			_ = os.Remove(seg)
		}
	}
}

func (j *journal) tail() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.lastSeq
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.active != nil {
		err := j.active.Close()
		j.active = nil
		return err
	}
	return nil
}

// cursorPath is the durable consumer position file for this stream.
func (j *journal) cursorPath(durable string) string {
	return filepath.Join(j.dir, "consumers", durable+".cursor")
}

func (j *journal) loadCursor(durable string) (uint64, error) {
	raw, err := os.ReadFile(j.cursorPath(durable))
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("read consumer cursor"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream),
			errs.WithContext("consumer", durable))
	}
	cursor, err := strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
	if err != nil {
		return 0, errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("parse consumer cursor"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream),
			errs.WithContext("consumer", durable))
	}
	return cursor, nil
}

func (j *journal) storeCursor(durable string, seq uint64) error {
	path := j.cursorPath(durable)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.FormatUint(seq, 10)), 0o644); err != nil {
		return errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("write consumer cursor"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream),
			errs.WithContext("consumer", durable))
	}
	if err := os.Rename(tmp, path); err != nil {
		return errs.New("bus/journal", errs.CodePersist,
			errs.WithMessage("commit consumer cursor"),
			errs.WithCause(err),
			errs.WithContext("stream", j.stream),
			errs.WithContext("consumer", durable))
	}
	return nil
}
