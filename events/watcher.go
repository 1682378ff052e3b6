// Package events implements the event-file producer/consumer pipeline: a
// DirWatcher tails one tfevents-style file, decodes it, and feeds a
// priority queue a Consumer drains into rows. No directory is scanned
// for new files.
package events

import (
	"context"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/trackrun/trackcore/types"
)

// ShutdownDelay is the grace period a DirWatcher keeps polling after
// Shutdown() before giving up on a deleted/finished iterator.
const ShutdownDelay = 5 * time.Second

// pollInterval is how often the producer loop checks for new events.
const pollInterval = 1 * time.Second

var tfeventsFilename = regexp.MustCompile(`tfevents\.(\d+)\.([^.]+(?:\.[^.]+)*?)(?:\.\d+)?$`)

// IsOurs reports whether basename names a tfevents file this process should
// watch: it must carry a "tfevents" component, not be a *.profile_empty
// sidecar, its embedded creation time must be >= processStart, and its
// dotted hostname components must match localHostname positionally.
func IsOurs(basename string, processStart time.Time, localHostname string) bool {
	if strings.HasSuffix(basename, ".profile_empty") {
		return false
	}
	if !strings.Contains(basename, "tfevents") {
		return false
	}
	m := tfeventsFilename.FindStringSubmatch(basename)
	if m == nil {
		return false
	}
	createdUnix, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return false
	}
	if time.Unix(createdUnix, 0).Before(processStart.Truncate(time.Second)) {
		return false
	}

	// Walk localHostname's components against the filename's, not the
	// other way around: a filename with trailing host-like components
	// the pid-stripping regex couldn't remove still matches as long as
	// every component of localHostname lines up, matching
	// is_tfevents_file_created_by's direction in the original watcher.
	hostParts := strings.Split(m[2], ".")
	localParts := strings.Split(localHostname, ".")
	for i, p := range localParts {
		if i >= len(hostParts) || hostParts[i] != p {
			return false
		}
	}
	return true
}

// Namespace computes the namespace heuristic: the common directory
// prefix across known (existing logdirs) plus the new one is stripped from
// logdir, slashes trimmed; if there's exactly one known directory and the
// result is neither "train" nor "validation", the namespace is forced nil.
func Namespace(known []string, logdir string) *string {
	all := append(append([]string{}, known...), logdir)
	root := commonDirPrefix(all)
	ns := strings.Trim(strings.TrimPrefix(logdir, root), "/")

	if len(known) == 1 && ns != "train" && ns != "validation" {
		return nil
	}
	return &ns
}

func commonDirPrefix(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	split := make([][]string, len(paths))
	for i, p := range paths {
		split[i] = strings.Split(filepath.Clean(p), string(filepath.Separator))
	}
	prefix := split[0]
	for _, parts := range split[1:] {
		prefix = commonPrefixParts(prefix, parts)
	}
	return strings.Join(prefix, string(filepath.Separator))
}

func commonPrefixParts(a, b []string) []string {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	i := 0
	for i < n && a[i] == b[i] {
		i++
	}
	return a[:i]
}

// EventDecoder yields a lazy, restartable sequence of decoded events for
// one file. Next returns (event, ok); ok is
// false at EOF-so-far (more may appear later) and ignored thereafter until
// new bytes land. Deleted reports whether the underlying file vanished.
type EventDecoder interface {
	Next() (types.DecodedEvent, bool)
	Deleted() bool
	Close() error
}

// DecoderFactory opens an EventDecoder for a log file path.
type DecoderFactory func(path string) (EventDecoder, error)

// DirWatcher is bound to one log directory, which sets its namespace.
// Run tails the single file path it is given, decoding it and pushing
// translated TBEvents onto a shared PriorityQueue; the directory itself is
// not listed, so files appearing in it are not discovered.
type DirWatcher struct {
	logdir       string
	namespace    *string
	hostname     string
	processStart time.Time
	openDecoder  DecoderFactory
	queue        *PriorityQueue

	mu               sync.Mutex
	shutdownAt       *time.Time
	firstEventWall   *float64
	fileVersion      *int32
}

// NewDirWatcher constructs a watcher for logdir. known lists logdirs
// already being watched, used to derive the namespace heuristic.
func NewDirWatcher(logdir string, known []string, hostname string, processStart time.Time, openDecoder DecoderFactory, queue *PriorityQueue) *DirWatcher {
	return &DirWatcher{
		logdir:       logdir,
		namespace:    Namespace(known, logdir),
		hostname:     hostname,
		processStart: processStart,
		openDecoder:  openDecoder,
		queue:        queue,
	}
}

// Shutdown requests the producer loop stop; it continues polling until
// ShutdownDelay elapses or the decoder reports deletion.
func (w *DirWatcher) Shutdown() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdownAt == nil {
		now := time.Now()
		w.shutdownAt = &now
	}
}

func (w *DirWatcher) isShuttingDown() (bool, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.shutdownAt == nil {
		return false, time.Time{}
	}
	return true, *w.shutdownAt
}

// Run polls path for newly decoded events until ctx is cancelled, the
// decoder reports deletion, or ShutdownDelay expires after Shutdown().
func (w *DirWatcher) Run(ctx context.Context, path string) error {
	dec, err := w.openDecoder(path)
	if err != nil {
		return err
	}
	defer dec.Close()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	basename := filepath.Base(path)
	if !IsOurs(basename, w.processStart, w.hostname) {
		return nil
	}

	for {
		for {
			ev, ok := dec.Next()
			if !ok {
				break
			}
			w.mu.Lock()
			if w.firstEventWall == nil {
				wt := ev.WallTime
				w.firstEventWall = &wt
			}
			if ev.FileVersion != nil {
				w.fileVersion = ev.FileVersion
			}
			w.mu.Unlock()

			if ev.Summary != nil {
				w.queue.Push(&types.TBEvent{
					Event:     ev,
					Namespace: namespaceValue(w.namespace),
					CreatedAt: time.Now(),
				})
			}
		}

		if dec.Deleted() {
			return nil
		}

		shutting, since := w.isShuttingDown()
		if shutting && time.Since(since) >= ShutdownDelay {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func namespaceValue(ns *string) string {
	if ns == nil {
		return ""
	}
	return *ns
}
