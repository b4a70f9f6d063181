//go:build windows

package tools

import "os/exec"

func configureProcessGroup(cmd *exec.Cmd) {}
