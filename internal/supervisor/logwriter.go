package supervisor

import "bytes"

// logWriter adapts a child's output stream into log events, splitting on
// newlines and buffering partial lines between writes.
type logWriter struct {
	bus       *eventBus
	projectID string
	stream    string
	buf       bytes.Buffer
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Partial line: stash it back for the next write.
			w.buf.WriteString(line)
			break
		}
		msg := bytes.TrimRight([]byte(line), "\r\n")
		if len(msg) > 0 {
			w.bus.publish(Event{Type: EventLog, ProjectID: w.projectID, Stream: w.stream, Message: string(msg)})
		}
	}
	return len(p), nil
}
