package worker

import (
	"fmt"
	"strconv"
	"strings"
)

// Sentinel prefixes a worker prints on stdout, exactly one per lifetime.
const (
	ReadyPrefix  = "BACKEND_WORKER_READY:"
	FailedPrefix = "BACKEND_WORKER_FAILED:"
)

// ReadyLine announces that the worker accepts calls.
func ReadyLine(pid int) string {
	return ReadyPrefix + strconv.Itoa(pid)
}

// FailedLine announces that the worker could not start.
func FailedLine(reason string) string {
	// Keep the sentinel on one line.
	reason = strings.ReplaceAll(reason, "\n", " ")
	return FailedPrefix + reason
}

// Signal is a parsed sentinel line.
type Signal struct {
	Ready  bool
	PID    int
	Reason string
}

// ParseLine recognises a sentinel line. ok is false for ordinary output.
func ParseLine(line string) (sig Signal, ok bool, err error) {
	line = strings.TrimSpace(line)
	switch {
	case strings.HasPrefix(line, ReadyPrefix):
		pid, err := strconv.Atoi(strings.TrimPrefix(line, ReadyPrefix))
		if err != nil || pid <= 0 {
			return Signal{}, true, fmt.Errorf("malformed ready line %q", line)
		}
		return Signal{Ready: true, PID: pid}, true, nil
	case strings.HasPrefix(line, FailedPrefix):
		return Signal{Reason: strings.TrimPrefix(line, FailedPrefix)}, true, nil
	}
	return Signal{}, false, nil
}
