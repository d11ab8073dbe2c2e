package interfaces

// ISubscriberConn is the downstream transport handle owned by the hub.
// *websocket.Conn satisfies it.
type ISubscriberConn interface {
	WriteJSON(v interface{}) error
	Close() error
}
