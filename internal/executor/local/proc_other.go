//go:build !unix

package local

import "os/exec"

// configureProcessGroup keeps exec's default cancel (kill the direct child).
func configureProcessGroup(cmd *exec.Cmd) {}
