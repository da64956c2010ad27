//go:build unix

package supervisor

import "syscall"

// processGroupAttr places the child in its own process group, so
// signalGroup can reach any children it spawns in turn.
func processGroupAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}

// signalGroup delivers sig to the entire process group rooted at pid.
func signalGroup(pid int, sig syscall.Signal) {
	_ = syscall.Kill(-pid, sig)
}
