package sandbox

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/creack/pty"
)

const (
	defaultRows = 24
	defaultCols = 80
)

// terminal is the PTY pair of one execution. The slave becomes the child's
// controlling terminal; the parent keeps the master.
type terminal struct {
	master *os.File
	slave  *os.File

	slaveOnce sync.Once
	closeOnce sync.Once
	closed    atomic.Bool
}

func openTerminal(rows, cols uint16) (*terminal, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("opening pty: %w", err)
	}
	t := &terminal{master: master, slave: slave}
	if err := t.resize(rows, cols); err != nil {
		t.Close()
		return nil, err
	}
	return t, nil
}

// attach wires cmd to the slave and makes it the session's controlling
// terminal.
func (t *terminal) attach(cmd *exec.Cmd) {
	cmd.Stdin = t.slave
	cmd.Stdout = t.slave
	cmd.Stderr = t.slave
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
}

// releaseSlave drops the parent's copy of the slave once the child holds its
// own, so reads on the master fail once the child is gone.
func (t *terminal) releaseSlave() {
	t.slaveOnce.Do(func() {
		_ = t.slave.Close()
	})
}

func (t *terminal) resize(rows, cols uint16) error {
	if t.closed.Load() {
		return nil
	}
	if err := pty.Setsize(t.master, &pty.Winsize{Rows: rows, Cols: cols}); err != nil {
		return fmt.Errorf("resizing pty: %w", err)
	}
	return nil
}

func (t *terminal) Read(p []byte) (int, error) {
	return t.master.Read(p)
}

func (t *terminal) Write(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, os.ErrClosed
	}
	return t.master.Write(p)
}

func (t *terminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.closed.Store(true)
		t.releaseSlave()
		err = t.master.Close()
	})
	return err
}
