//go:build !unix

package provisioner

import "syscall"

func detachedProcAttr() *syscall.SysProcAttr {
	return nil
}
