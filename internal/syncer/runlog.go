// internal/syncer/runlog.go
package syncer

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// maxRunLogLines bounds the text persisted into sync_logs.logs.
const maxRunLogLines = 500

// runLog is the human-readable log of one run, safe for the resolution workers.
type runLog struct {
	mu         sync.Mutex
	now        func() time.Time
	b          strings.Builder
	lines      int
	suppressed int
}

func newRunLog(now func() time.Time) *runLog {
	return &runLog{now: now}
}

func (l *runLog) add(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lines >= maxRunLogLines {
		l.suppressed++
		return
	}
	l.lines++
	l.b.WriteString(l.line(format, args...))
}

// line formats a timestamped entry without recording it.
func (l *runLog) line(format string, args ...any) string {
	return l.now().UTC().Format(time.RFC3339) + " " + fmt.Sprintf(format, args...) + "\n"
}

func (l *runLog) String() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.suppressed == 0 {
		return l.b.String()
	}
	return l.b.String() + fmt.Sprintf("... %d more lines suppressed\n", l.suppressed)
}
