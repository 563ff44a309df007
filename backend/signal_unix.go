//go:build unix

package backend

import (
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func signal(p *os.Process, sig Signal) error {
	s := unix.SIGTERM
	if sig == SignalKill {
		s = unix.SIGKILL
	}
	if err := unix.Kill(p.Pid, s); err != nil && !errors.Is(err, unix.ESRCH) {
		return errors.Wrapf(err, "signal %d", p.Pid)
	}
	return nil
}
