//go:build !linux

package backend

import "os"

func gettid() int { return os.Getpid() }
