package signaling

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// MockConn is a mock WebSocket connection for testing.
type MockConn struct {
	mu          sync.Mutex
	closed      bool
	readQueue   [][]byte
	writeQueue  [][]byte
	readErr     error
	writeErr    error
	pongHandler func(string) error
}

// NewMockConn creates a new mock connection.
func NewMockConn() *MockConn {
	return &MockConn{
		readQueue:  make([][]byte, 0),
		writeQueue: make([][]byte, 0),
	}
}

// WriteMessage implements Conn. Control frames are not recorded.
func (m *MockConn) WriteMessage(messageType int, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errors.New("connection closed")
	}
	if m.writeErr != nil {
		return m.writeErr
	}
	if messageType != TextMessage {
		return nil
	}

	dataCopy := make([]byte, len(data))
	copy(dataCopy, data)
	m.writeQueue = append(m.writeQueue, dataCopy)
	return nil
}

// ReadMessage implements Conn. An empty queue reads as a dropped connection.
func (m *MockConn) ReadMessage() (int, []byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, nil, errors.New("connection closed")
	}
	if m.readErr != nil {
		return 0, nil, m.readErr
	}
	if len(m.readQueue) == 0 {
		return 0, nil, errors.New("no messages in queue")
	}

	data := m.readQueue[0]
	m.readQueue = m.readQueue[1:]
	return TextMessage, data, nil
}

// Close implements Conn.
func (m *MockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetWriteDeadline implements Conn.
func (m *MockConn) SetWriteDeadline(t time.Time) error {
	return nil
}

// SetReadDeadline implements Conn.
func (m *MockConn) SetReadDeadline(t time.Time) error {
	return nil
}

// SetReadLimit implements Conn.
func (m *MockConn) SetReadLimit(limit int64) {}

// SetPongHandler implements Conn.
func (m *MockConn) SetPongHandler(h func(appData string) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pongHandler = h
}

// --- Mock-specific methods for testing ---

// EnqueueRead adds a message to be returned by ReadMessage.
func (m *MockConn) EnqueueRead(data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readQueue = append(m.readQueue, data)
}

// EnqueueMessage marshals msg and queues it for reading.
func (m *MockConn) EnqueueMessage(msg *Message) {
	data, _ := json.Marshal(msg)
	m.EnqueueRead(data)
}

// GetWritten returns all messages written to the connection.
func (m *MockConn) GetWritten() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.writeQueue))
	copy(out, m.writeQueue)
	return out
}

// Messages decodes every written message.
func (m *MockConn) Messages() []*Message {
	var msgs []*Message
	for _, data := range m.GetWritten() {
		var msg Message
		if err := json.Unmarshal(data, &msg); err == nil {
			msgs = append(msgs, &msg)
		}
	}
	return msgs
}

// MessagesOfType returns the written messages of type t.
func (m *MockConn) MessagesOfType(t MessageType) []*Message {
	var out []*Message
	for _, msg := range m.Messages() {
		if msg.Type == t {
			out = append(out, msg)
		}
	}
	return out
}

// LastMessage decodes the last written message, or returns nil.
func (m *MockConn) LastMessage() *Message {
	msgs := m.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// ResetWritten forgets everything written so far.
func (m *MockConn) ResetWritten() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeQueue = m.writeQueue[:0]
}

// SetReadError sets an error to be returned by ReadMessage.
func (m *MockConn) SetReadError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.readErr = err
}

// SetWriteError sets an error to be returned by WriteMessage.
func (m *MockConn) SetWriteError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

// IsClosed returns whether the connection is closed.
func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// SimulatePong simulates receiving a pong message.
func (m *MockConn) SimulatePong() error {
	m.mu.Lock()
	handler := m.pongHandler
	m.mu.Unlock()

	if handler != nil {
		return handler("")
	}
	return nil
}

// --- Mock Upgrader ---

// MockUpgrader is a mock WebSocket upgrader for testing.
type MockUpgrader struct {
	Connections []*MockConn
	mu          sync.Mutex
	nextConn    *MockConn
	err         error
}

// NewMockUpgrader creates a new mock upgrader.
func NewMockUpgrader() *MockUpgrader {
	return &MockUpgrader{
		Connections: make([]*MockConn, 0),
	}
}

// Upgrade implements Upgrader.
func (m *MockUpgrader) Upgrade(w http.ResponseWriter, r *http.Request, responseHeader http.Header) (Conn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.err != nil {
		return nil, m.err
	}

	var conn *MockConn
	if m.nextConn != nil {
		conn = m.nextConn
		m.nextConn = nil
	} else {
		conn = NewMockConn()
	}

	m.Connections = append(m.Connections, conn)
	return conn, nil
}

// SetNextConnection sets the connection to be returned by the next Upgrade call.
func (m *MockUpgrader) SetNextConnection(conn *MockConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextConn = conn
}

// SetError sets an error to be returned by Upgrade.
func (m *MockUpgrader) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// LastConnection returns the last connection created.
func (m *MockUpgrader) LastConnection() *MockConn {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Connections) == 0 {
		return nil
	}
	return m.Connections[len(m.Connections)-1]
}
