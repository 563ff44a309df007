//go:build !unix

package backend

import (
	"os"

	"github.com/pkg/errors"
)

func signal(p *os.Process, _ Signal) error {
	if err := p.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return errors.Wrapf(err, "kill %d", p.Pid)
	}
	return nil
}
