package common

import (
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Represents a connection capable of sending full messages between each other.
// This abstracts the websocket so the server and client code can be tested against mocks.
type MessageConnection interface {
	// Reads a message, blocking
	ReadMessage() ([]byte, net.Addr, error)
	// Sends a message
	WriteMessage(data []byte) error
	// Sends a closing message and closes the connection
	CloseWithMessage(msg string) error
	// Closes the underlying socket
	Close() error
	// Determine if the connection has been closed or not
	IsClosed() bool
}

// ErrConnectionClosed is returned when operating on a connection that was already closed
var ErrConnectionClosed = errors.New("connection already closed")

// Websocket implementation of MessageConnection. Frames are sent as text messages since they are JSON.
type WebsocketMessageConnection struct {
	socket *websocket.Conn
	closed bool

	writeMutex    *sync.Mutex
	isClosedMutex *sync.RWMutex
}

// NewWebsocketMessageConnection wraps an already established websocket
func NewWebsocketMessageConnection(socket *websocket.Conn) *WebsocketMessageConnection {
	return &WebsocketMessageConnection{
		socket:        socket,
		writeMutex:    new(sync.Mutex),
		isClosedMutex: new(sync.RWMutex),
	}
}

func (connection *WebsocketMessageConnection) ReadMessage() ([]byte, net.Addr, error) {
	_, data, err := connection.socket.ReadMessage()
	if err != nil && websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		connection.isClosedMutex.Lock()
		connection.closed = true
		connection.isClosedMutex.Unlock()
	}
	return data, connection.socket.RemoteAddr(), err
}

func (connection *WebsocketMessageConnection) WriteMessage(data []byte) error {
	if connection.IsClosed() {
		return ErrConnectionClosed
	}

	// gorilla allows one concurrent writer only
	connection.writeMutex.Lock()
	defer connection.writeMutex.Unlock()
	return connection.socket.WriteMessage(websocket.TextMessage, data)
}

func (connection *WebsocketMessageConnection) CloseWithMessage(msg string) error {
	connection.writeMutex.Lock()
	err := connection.socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, msg))
	connection.writeMutex.Unlock()
	if err != nil {
		_ = connection.Close()
		return err
	}
	return connection.Close()
}

func (connection *WebsocketMessageConnection) Close() error {
	connection.isClosedMutex.Lock()
	defer connection.isClosedMutex.Unlock()

	if !connection.closed {
		connection.closed = true
		return connection.socket.Close()
	}
	return ErrConnectionClosed
}

func (connection *WebsocketMessageConnection) IsClosed() bool {
	connection.isClosedMutex.RLock()
	defer connection.isClosedMutex.RUnlock()

	return connection.closed
}

// DialForConnection connects to a pong-arena websocket endpoint, offering the auth token as the sub-protocol
func DialForConnection(address string, token string) (MessageConnection, error) {
	dialer := *websocket.DefaultDialer
	if token != "" {
		dialer.Subprotocols = []string{token}
	}

	webConn, resp, err := dialer.Dial(address, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, ErrUnauthorized
		}
		return nil, err
	}
	return NewWebsocketMessageConnection(webConn), nil
}

// ErrUnauthorized is returned by DialForConnection when the server rejected the token
var ErrUnauthorized = errors.New("server rejected authentication token")
