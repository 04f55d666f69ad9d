//go:build linux

package platform

import "golang.org/x/sys/unix"

// Mknod recreates a special file (fifo, socket, char/block device) at
// path, mode carrying both the type bits (S_IFIFO/S_IFCHR/...) and the
// permission bits, and dev the encoded device number for char/block
// devices (ignored by the kernel for fifos and sockets).
func Mknod(path string, mode uint32, dev uint64) error {
	return unix.Mknod(path, mode, int(dev))
}
