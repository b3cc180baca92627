package logging

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// tailCapacity bounds the in-memory log ring served by logs.tail.
const tailCapacity = 500

// TailLine is one buffered log line.
type TailLine struct {
	Time    time.Time `json:"ts"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

var (
	tailMu    sync.Mutex
	tailRing  [tailCapacity]TailLine
	tailNext  int
	tailCount int
)

func recordTail(level log.Level, msg string, keyvals []interface{}) {
	line := TailLine{Time: time.Now(), Level: level.String(), Message: msg}
	if len(keyvals) > 0 {
		var b strings.Builder
		b.WriteString(msg)
		for i := 0; i+1 < len(keyvals); i += 2 {
			fmt.Fprintf(&b, " %v=%v", keyvals[i], keyvals[i+1])
		}
		line.Message = b.String()
	}

	tailMu.Lock()
	tailRing[tailNext] = line
	tailNext = (tailNext + 1) % tailCapacity
	if tailCount < tailCapacity {
		tailCount++
	}
	tailMu.Unlock()
}

// Tail returns up to n of the most recent log lines, oldest first.
func Tail(n int) []TailLine {
	tailMu.Lock()
	defer tailMu.Unlock()

	if n <= 0 || n > tailCount {
		n = tailCount
	}
	out := make([]TailLine, 0, n)
	start := tailNext - n
	if start < 0 {
		start += tailCapacity
	}
	for i := 0; i < n; i++ {
		out = append(out, tailRing[(start+i)%tailCapacity])
	}
	return out
}
