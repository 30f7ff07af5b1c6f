package procutil

import (
	"os"
	"os/exec"
	"testing"
)

func TestAliveSelf(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Fatalf("own process reported dead")
	}
}

func TestAliveInvalidPIDs(t *testing.T) {
	for _, pid := range []int{0, -1, -42} {
		if Alive(pid) {
			t.Fatalf("pid %d reported alive", pid)
		}
	}
}

func TestAliveExitedChild(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start child: %v", err)
	}
	pid := cmd.Process.Pid
	if err := cmd.Wait(); err != nil {
		t.Fatalf("wait: %v", err)
	}
	// Reaped child: the pid either no longer exists or was recycled; it must
	// at least not be our zombie.
	if zombie(pid) {
		t.Fatalf("reaped child still classified as zombie")
	}
}
