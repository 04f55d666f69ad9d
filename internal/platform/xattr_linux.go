//go:build linux

package platform

import "golang.org/x/sys/unix"

// ListXattrNames returns the extended-attribute names set on path, or nil
// if the filesystem doesn't support xattrs.
func ListXattrNames(path string) []string {
	sz, err := unix.Listxattr(path, nil)
	if err != nil || sz == 0 {
		return nil
	}
	buf := make([]byte, sz)
	sz, err = unix.Listxattr(path, buf)
	if err != nil {
		return nil
	}
	return parseXattrNames(buf[:sz])
}

// GetXattr reads a single extended attribute value.
func GetXattr(path, name string) ([]byte, error) {
	sz, err := unix.Getxattr(path, name, nil)
	if err != nil || sz == 0 {
		return nil, err
	}
	buf := make([]byte, sz)
	_, err = unix.Getxattr(path, name, buf)
	return buf, err
}

// FSetXattr sets an extended attribute on an open file descriptor.
func FSetXattr(fd int, name string, value []byte) error {
	return unix.Fsetxattr(fd, name, value, 0)
}

func parseXattrNames(buf []byte) []string {
	var names []string
	start := 0
	for i, b := range buf {
		if b == 0 {
			if i > start {
				names = append(names, string(buf[start:i]))
			}
			start = i + 1
		}
	}
	return names
}
