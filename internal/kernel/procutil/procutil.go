// Package procutil answers liveness questions about run driver processes.
// The status command uses it to distinguish a crashed run from one that is
// still moving.
package procutil

import (
	"errors"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
)

// Alive reports whether a process exists and is not a zombie. A process we
// lack permission to signal still counts as alive.
func Alive(pid int) bool {
	if pid <= 0 || zombie(pid) {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

// zombie checks /proc when present and falls back to ps. The state letter
// follows the closing paren of the comm field, which may itself contain
// parens.
func zombie(pid int) bool {
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/stat")
	if err == nil {
		line := string(b)
		if idx := strings.LastIndexByte(line, ')'); idx >= 0 && idx+2 < len(line) {
			st := line[idx+2]
			return st == 'Z' || st == 'X'
		}
		return false
	}
	out, err := exec.Command("ps", "-o", "state=", "-p", strconv.Itoa(pid)).Output()
	if err != nil {
		return false
	}
	st := strings.TrimSpace(string(out))
	return st != "" && (st[0] == 'Z' || st[0] == 'X')
}
