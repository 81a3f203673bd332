package source

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// drainedIdle is how long ReadLine waits at end of input when the replay has
// no interval of its own, like a serial read timeout on a silent port.
const drainedIdle = 50 * time.Millisecond

// Replay plays back a raw capture, one line per interval. At end of input it
// behaves like an idle port and keeps returning ("", nil) after sleeping;
// Drained is closed the first time that happens.
type Replay struct {
	name     string
	open     func() (io.ReadCloser, error)
	interval time.Duration
	sleep    func(time.Duration)

	mu      sync.Mutex
	rc      io.ReadCloser
	sc      *bufio.Scanner
	drained chan struct{}
	once    sync.Once
}

// NewReplayFile replays the capture at path.
func NewReplayFile(path string, interval time.Duration) *Replay {
	return &Replay{
		name:     "replay " + path,
		open:     func() (io.ReadCloser, error) { return os.Open(path) },
		interval: interval,
		sleep:    time.Sleep,
		drained:  make(chan struct{}),
	}
}

// NewLines replays an in-memory list of lines.
func NewLines(lines []string, interval time.Duration) *Replay {
	return &Replay{
		name: "lines",
		open: func() (io.ReadCloser, error) {
			pr, pw := io.Pipe()
			go func() {
				for _, l := range lines {
					if _, err := io.WriteString(pw, l+"\n"); err != nil {
						return
					}
				}
				pw.Close()
			}()
			return pr, nil
		},
		interval: interval,
		sleep:    time.Sleep,
		drained:  make(chan struct{}),
	}
}

// Drained is closed once the input has been read to the end.
func (r *Replay) Drained() <-chan struct{} { return r.drained }

func (r *Replay) Name() string { return r.name }

func (r *Replay) Open() error {
	rc, err := r.open()
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, r.name, err)
	}
	r.mu.Lock()
	r.rc = rc
	r.sc = bufio.NewScanner(rc)
	r.mu.Unlock()
	return nil
}

func (r *Replay) ReadLine() (string, error) {
	if r.interval > 0 {
		r.sleep(r.interval)
	}
	line, ok, err := r.scan()
	if err != nil || ok {
		return line, err
	}
	r.once.Do(func() { close(r.drained) })
	if r.interval <= 0 {
		r.sleep(drainedIdle)
	}
	return "", nil
}

func (r *Replay) scan() (string, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sc == nil {
		return "", false, fmt.Errorf("%w: %s not open", ErrPortClosed, r.name)
	}
	if r.sc.Scan() {
		return r.sc.Text(), true, nil
	}
	if err := r.sc.Err(); err != nil {
		return "", false, fmt.Errorf("%w: %s: %v", ErrPortClosed, r.name, err)
	}
	return "", false, nil
}

func (r *Replay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.rc == nil {
		return nil
	}
	err := r.rc.Close()
	r.rc, r.sc = nil, nil
	return err
}
