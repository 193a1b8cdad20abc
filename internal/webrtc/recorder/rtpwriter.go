package recorder

import (
	"net"
	"os"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/rtpdump"
)

// RTPWriter dumps inbound RTP in rtpdump format for offline inspection
// (rtpplay, wireshark).
type RTPWriter struct {
	mu        sync.Mutex
	writer    *rtpdump.Writer
	file      *os.File
	path      string
	startTime time.Time
	packets   int
	closed    bool
}

func NewRTPWriter(path string, fileMode os.FileMode, sourceIP net.IP, sourcePort uint16) (*RTPWriter, error) {
	if fileMode == 0 {
		fileMode = 0600
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, fileMode)
	if err != nil {
		return nil, err
	}

	startTime := time.Now()
	writer, err := rtpdump.NewWriter(file, rtpdump.Header{
		Start:  startTime,
		Source: sourceIP,
		Port:   sourcePort,
	})
	if err != nil {
		_ = file.Close()
		return nil, err
	}

	return &RTPWriter{
		writer:    writer,
		file:      file,
		path:      path,
		startTime: startTime,
	}, nil
}

func (w *RTPWriter) Path() string {
	return w.path
}

// Packets returns how many packets were written.
func (w *RTPWriter) Packets() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.packets
}

func (w *RTPWriter) WriteRTP(packet *rtp.Packet) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}

	payload, err := packet.Marshal()
	if err != nil {
		return err
	}

	if err := w.writer.WritePacket(rtpdump.Packet{
		Offset:  time.Since(w.startTime),
		Payload: payload,
	}); err != nil {
		return err
	}
	w.packets++
	return nil
}

// Close is safe to call more than once.
func (w *RTPWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return w.file.Close()
}
