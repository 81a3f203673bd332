package source

import (
	"bytes"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

const maxLine = 4096

// SerialConfig holds connection settings for a DAQ serial port.
type SerialConfig struct {
	PortPath    string        `yaml:"port_path" json:"portPath"`
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"readTimeout"`
}

// Serial reads newline-terminated frames from a serial port.
type Serial struct {
	cfg  SerialConfig
	mu   sync.Mutex
	port serial.Port
	buf  []byte
	tmp  []byte
}

// NewSerial creates a serial source. Baud defaults to 9600 and the read
// timeout to 1s.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 9600
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = time.Second
	}
	return &Serial{cfg: cfg, tmp: make([]byte, 256)}
}

func (s *Serial) Name() string {
	return fmt.Sprintf("serial %s @ %d", s.cfg.PortPath, s.cfg.BaudRate)
}

// Open opens the port 8N1.
func (s *Serial) Open() error {
	mode := &serial.Mode{
		BaudRate: s.cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(s.cfg.PortPath, mode)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrPortUnavailable, s.cfg.PortPath, err)
	}
	if err := port.SetReadTimeout(s.cfg.ReadTimeout); err != nil {
		port.Close()
		return fmt.Errorf("%w: %s: set timeout: %v", ErrPortUnavailable, s.cfg.PortPath, err)
	}
	// Discard whatever the firmware printed before we attached.
	_ = port.ResetInputBuffer()

	s.mu.Lock()
	s.port = port
	s.buf = s.buf[:0]
	s.mu.Unlock()
	log.Printf("[serial] opened %s at %d baud", s.cfg.PortPath, s.cfg.BaudRate)
	return nil
}

// ReadLine returns the next line without its terminator.
func (s *Serial) ReadLine() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return "", fmt.Errorf("%w: not open", ErrPortClosed)
	}
	for {
		if line, ok := splitLine(&s.buf); ok {
			return line, nil
		}
		n, err := s.port.Read(s.tmp)
		if err != nil {
			return "", fmt.Errorf("%w: %s: %v", ErrPortClosed, s.cfg.PortPath, err)
		}
		if n == 0 {
			// Read timeout.
			return "", nil
		}
		s.buf = append(s.buf, s.tmp[:n]...)
		if len(s.buf) > maxLine && bytes.IndexByte(s.buf, '\n') < 0 {
			log.Printf("[serial] discarding %d bytes without line terminator", len(s.buf))
			s.buf = s.buf[:0]
		}
	}
}

// splitLine removes the first complete line from *buf.
func splitLine(buf *[]byte) (string, bool) {
	i := bytes.IndexByte(*buf, '\n')
	if i < 0 {
		return "", false
	}
	line := string(bytes.TrimRight((*buf)[:i], "\r"))
	*buf = append((*buf)[:0], (*buf)[i+1:]...)
	return line, true
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	log.Printf("[serial] closed %s", s.cfg.PortPath)
	return err
}

// ListPorts enumerates the serial ports of the host.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("source: list ports: %w", err)
	}
	return ports, nil
}
