//go:build !unix

package local

import (
	"os"
	"os/exec"
	"syscall"
)

func detach(*exec.Cmd) {}

func killGroup(pid int, _ syscall.Signal) error {
	if pid <= 0 {
		return nil
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
