// Package procinfo answers questions about running processes that are
// not part of the attach protocol: where the target listens for its
// control connection and how much memory the controller uses.
package procinfo

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/go-delve/entrystop/pkg/config"
	"github.com/go-delve/entrystop/pkg/logflags"
)

const (
	portTries           = 10
	portInitialInterval = time.Millisecond
)

var errNoPort = errors.New("no listening port in range")

// connLister returns the TCP connections of pid.
type connLister func(ctx context.Context, pid int32) ([]net.ConnectionStat, error)

func listTCP4(ctx context.Context, pid int32) ([]net.ConnectionStat, error) {
	return net.ConnectionsPidWithContext(ctx, "tcp4", pid)
}

// TargetControlPort returns the lowest TCP port in ports where pid
// listens on IPv4. The connections of pid are listed up to 10 times,
// the wait between two tries doubles from 1ms. The result is 0 if no
// port was found.
func TargetControlPort(ctx context.Context, pid int, ports config.PortRange) (uint16, error) {
	return targetControlPort(ctx, listTCP4, pid, ports)
}

func targetControlPort(ctx context.Context, list connLister, pid int, ports config.PortRange) (uint16, error) {
	if ports[0] > ports[1] {
		return 0, fmt.Errorf("empty port range [%d, %d]", ports[0], ports[1])
	}
	log := logflags.ProcInfoLogger().WithField("pid", pid)
	verbose := logflags.ProcInfo()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = portInitialInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0

	var port uint16
	try := 0
	err := backoff.Retry(func() error {
		try++
		conns, err := list(ctx, int32(pid))
		if err != nil {
			if verbose {
				log.Debugf("try %d: listing connections: %v", try, err)
			}
			return err
		}
		port = lowestListening(conns, ports)
		if port == 0 {
			if verbose {
				log.Debugf("try %d: %v", try, errNoPort)
			}
			return errNoPort
		}
		return nil
	}, backoff.WithContext(backoff.WithMaxRetries(b, portTries-1), ctx))

	switch {
	case err == nil:
		if verbose {
			log.Debugf("control port %d found after %d tries", port, try)
		}
		return port, nil
	case errors.Is(err, errNoPort):
		return 0, nil
	default:
		return 0, err
	}
}

func lowestListening(conns []net.ConnectionStat, ports config.PortRange) uint16 {
	var best uint32
	for _, c := range conns {
		if c.Status != "LISTEN" || !ports.Contains(int(c.Laddr.Port)) {
			continue
		}
		if best == 0 || c.Laddr.Port < best {
			best = c.Laddr.Port
		}
	}
	return uint16(best)
}

// MemoryUsage returns the peak resident set size of the current process
// in bytes, or the current resident set size where the peak is not
// reported.
func MemoryUsage() (uint64, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0, err
	}
	mi, err := p.MemoryInfo()
	if err != nil {
		return 0, err
	}
	if mi.HWM != 0 {
		return mi.HWM, nil
	}
	return mi.RSS, nil
}
