package gateway

import "log/slog"

// Handler receives application events for open connections. OnMessage calls
// for one connection are sequential. OnClose may run concurrently with a
// final OnMessage when the server closes the connection.
type Handler interface {
	// OnConnect runs once the connection is registered.
	OnConnect(c *Conn)
	// OnMessage runs for every client message except ping.
	OnMessage(c *Conn, msg Inbound)
	// OnClose runs once after the connection has left the registry.
	OnClose(c *Conn)
}

// LogHandler only logs. It is the handler used when none is configured.
type LogHandler struct {
	Logger *slog.Logger
}

func (h LogHandler) OnConnect(c *Conn) {
	h.logger(c).Info("connection opened")
}

func (h LogHandler) OnMessage(c *Conn, msg Inbound) {
	h.logger(c).Debug("message received", "type", msg.Type, "bytes", len(msg.Payload))
}

func (h LogHandler) OnClose(c *Conn) {
	h.logger(c).Info("connection closed", "duration", c.clock.Now().Sub(c.ConnectedAt()))
}

func (h LogHandler) logger(c *Conn) *slog.Logger {
	if h.Logger != nil {
		return h.Logger.With("conn_id", c.ID())
	}
	return c.Logger()
}
