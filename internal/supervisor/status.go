package supervisor

import (
	"bufio"
	"io"

	"github.com/psantana5/backendpool/internal/worker"
	"github.com/psantana5/backendpool/pkg/logging"
)

// readStatus scans worker stdout for the first sentinel line and delivers it
// on signals. It keeps draining output afterwards so the worker never blocks
// on a full pipe, and returns at EOF.
func readStatus(r io.Reader, signals chan<- worker.Signal, logger *logging.Logger) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	delivered := false
	for sc.Scan() {
		line := sc.Text()
		if !delivered {
			sig, ok, err := worker.ParseLine(line)
			if err != nil {
				sig = worker.Signal{Reason: err.Error()}
				ok = true
			}
			if ok {
				signals <- sig
				delivered = true
				continue
			}
		}
		logger.Debug("worker output", map[string]interface{}{"line": line})
	}
	if err := sc.Err(); err != nil {
		logger.Warn("Worker stdout read failed", map[string]interface{}{"error": err})
		// Keep the pipe drained so the process can still be reaped.
		io.Copy(io.Discard, r)
	}
}
