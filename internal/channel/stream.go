package channel

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/term"

	"cardbroker/internal/muxframe"
)

var (
	ptyStart = pty.Start
	makeRaw  = func(f *os.File) error {
		_, err := term.MakeRaw(int(f.Fd()))
		return err
	}
)

// Stream carries length-prefixed messages over a byte stream.
type Stream struct {
	base
	rw      io.ReadWriteCloser
	writeMu sync.Mutex
}

func NewStream(rw io.ReadWriteCloser) *Stream {
	s := &Stream{rw: rw}
	s.init(KindStream, func() { _ = rw.Close() })
	return s
}

func (s *Stream) Send(payload []byte) error {
	if s.IsDisposed() {
		return ErrDisposed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return muxframe.WriteMessage(s.rw, payload)
}

// Run reads messages until the stream ends, then disposes the channel.
func (s *Stream) Run() error {
	defer s.Dispose()
	for {
		data, err := muxframe.ReadMessage(s.rw)
		if err != nil {
			if s.IsDisposed() || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		s.DeliverMessage(data)
	}
}

// Process is a stream channel to a backend server launched as a child
// process on a raw pty. The channel is disposed when the process exits, and
// disposing the channel kills the process.
type Process struct {
	*Stream
	cmd *exec.Cmd
}

func StartProcess(name string, args ...string) (*Process, error) {
	cmd := exec.Command(name, args...)
	ptmx, err := ptyStart(cmd)
	if err != nil {
		return nil, err
	}
	if err := makeRaw(ptmx); err != nil {
		_ = ptmx.Close()
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return nil, err
	}
	p := &Process{Stream: NewStream(ptmx), cmd: cmd}
	p.OnDispose(func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	})
	go func() { _ = p.Run() }()
	go func() {
		_ = cmd.Wait()
		p.Dispose()
	}()
	return p, nil
}

func (p *Process) Pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}
