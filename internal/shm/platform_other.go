//go:build !linux

package shm

func MemfdCreate(name string, size int, cloexec bool) (int, error) {
	return -1, ErrNotSupported
}

func MapFd(fd int, opts MapOptions) ([]byte, error) {
	return nil, ErrNotSupported
}

func Unmap(mem []byte) error {
	return ErrNotSupported
}

func Dup(fd int) (int, error) {
	return -1, ErrNotSupported
}

func Close(fd int) error {
	return ErrNotSupported
}

func Stat(fd int) (Identity, int64, error) {
	return Identity{}, 0, ErrNotSupported
}
