package inventory

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// unixSocketPaths parses /proc/net/unix and returns inode -> bound path for
// every entry that has a path, matching spec.md 4.2 step 6 ("resolve peer
// via /proc/net/unix").
func unixSocketPaths() (map[uint64]string, error) {
	f, err := os.Open("/proc/net/unix")
	if err != nil {
		return nil, errors.Wrap(err, "open /proc/net/unix")
	}
	defer f.Close()

	out := make(map[uint64]string)
	scanner := bufio.NewScanner(f)
	first := true
	for scanner.Scan() {
		if first {
			first = false
			continue // header line
		}
		fields := strings.Fields(scanner.Text())
		// Num RefCount Protocol Flags Type St Inode [Path]
		if len(fields) < 7 {
			continue
		}
		inode, err := strconv.ParseUint(fields[6], 10, 64)
		if err != nil {
			continue
		}
		if len(fields) >= 8 {
			out[inode] = fields[7]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "scan /proc/net/unix")
	}
	return out, nil
}
