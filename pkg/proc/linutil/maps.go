package linutil

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-delve/entrystop/pkg/proc"
)

// ParseMaps parses the contents of /proc/<pid>/maps. Each line has the
// format:
//
//	address           perms offset  dev   inode   pathname
//	00400000-00452000 r-xp 00000000 08:02 173521  /usr/bin/dbus-daemon
//
// The pathname is empty for anonymous mappings and may contain spaces.
func ParseMaps(r io.Reader) ([]proc.Mapping, error) {
	var maps []proc.Mapping
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		m, err := parseMapsLine(line)
		if err != nil {
			return nil, fmt.Errorf("maps line %d: %v", lineno, err)
		}
		maps = append(maps, m)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return maps, nil
}

func parseMapsLine(line string) (proc.Mapping, error) {
	var m proc.Mapping
	var fields [5]string
	rest := line
	for i := range fields {
		rest = strings.TrimLeft(rest, " \t")
		end := strings.IndexAny(rest, " \t")
		if end < 0 {
			end = len(rest)
		}
		fields[i], rest = rest[:end], rest[end:]
		if fields[i] == "" {
			return m, fmt.Errorf("malformed line %q", line)
		}
	}
	m.Path = strings.TrimSpace(rest)

	start, end, ok := strings.Cut(fields[0], "-")
	if !ok {
		return m, fmt.Errorf("malformed address range %q", fields[0])
	}
	var err error
	if m.Start, err = strconv.ParseUint(start, 16, 64); err != nil {
		return m, fmt.Errorf("malformed start address %q", start)
	}
	if m.End, err = strconv.ParseUint(end, 16, 64); err != nil {
		return m, fmt.Errorf("malformed end address %q", end)
	}
	if len(fields[1]) != 4 {
		return m, fmt.Errorf("malformed permissions %q", fields[1])
	}
	m.Perms = fields[1]
	if m.Offset, err = strconv.ParseUint(fields[2], 16, 64); err != nil {
		return m, fmt.Errorf("malformed offset %q", fields[2])
	}
	return m, nil
}
