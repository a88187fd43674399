package linutil

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-delve/entrystop/pkg/proc"
)

// ParseTracerPid reads a /proc/<pid>/status document and returns the
// value of its TracerPid field. proc.ErrNoTracerField is returned if the
// field is missing.
func ParseTracerPid(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "TracerPid:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, fmt.Errorf("malformed TracerPid line: %s", line)
		}
		pid, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, fmt.Errorf("failed to parse TracerPid value: %w", err)
		}
		return pid, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, proc.ErrNoTracerField
}
