package proxybuf

import (
	"fmt"

	"golang.org/x/sys/unix"
)

func pipe2(fds []int) error {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return err
	}
	fds[0], fds[1] = p[0], p[1]
	return nil
}

func closeFD(fd int) {
	_ = unix.Close(fd)
}

func readFull(fd int, p []byte) error {
	got := 0
	for got < len(p) {
		n, err := unix.Read(fd, p[got:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("unexpected EOF after %d/%d bytes", got, len(p))
		}
		got += n
	}
	return nil
}

func writeFull(fd int, p []byte) error {
	sent := 0
	for sent < len(p) {
		n, err := unix.Write(fd, p[sent:])
		if err != nil {
			return err
		}
		sent += n
	}
	return nil
}
