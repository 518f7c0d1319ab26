package main

import (
	"encoding/hex"
	"net/http"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/gregLibert/nfc-pcsc/pkg/pcsc"
	"github.com/juju/loggo"
)

var feedLogger = loggo.GetLogger("feed")

// event is one message of the websocket feed. Presence is shared by the
// events of one card insertion.
type event struct {
	Type     string `json:"type"`
	Reader   string `json:"reader"`
	Presence string `json:"presence,omitempty"`
	ATR      string `json:"atr,omitempty"`
	Standard string `json:"standard,omitempty"`
	UID      string `json:"uid,omitempty"`
	Data     string `json:"data,omitempty"`
	NDEF     string `json:"ndef,omitempty"`
	Error    string `json:"error,omitempty"`
}

func cardEvent(typ, reader string, c pcsc.Card) event {
	return event{
		Type:     typ,
		Reader:   reader,
		ATR:      hex.EncodeToString(c.ATR),
		Standard: c.Standard.String(),
		UID:      c.UID,
		Data:     hex.EncodeToString(c.Data),
	}
}

var upgrader = websocket.Upgrader{
	// Local tool: every origin may listen.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type feedConn struct {
	ws     *websocket.Conn
	send   chan event
	binary bool
}

func (c *feedConn) writer() {
	for msg := range c.send {
		if err := c.write(msg); err != nil {
			feedLogger.Debugf("write %s: %v", c.ws.RemoteAddr(), err)
			break
		}
	}
	c.ws.Close()
}

// write sends msg as JSON text, or as CBOR for clients that asked for it.
func (c *feedConn) write(msg event) error {
	if !c.binary {
		return c.ws.WriteJSON(msg)
	}
	b, err := cbor.Marshal(msg)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, b)
}

// reader discards client messages until the connection drops.
func (c *feedConn) reader(f *feed) {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			break
		}
	}
	select {
	case f.unreg <- c:
	case <-f.quit:
	}
}

// feed broadcasts reader events to websocket clients.
type feed struct {
	conns     map[*feedConn]bool
	reg       chan *feedConn
	unreg     chan *feedConn
	broadcast chan event
	quit      chan struct{}
}

func newFeed() *feed {
	return &feed{
		conns:     make(map[*feedConn]bool),
		reg:       make(chan *feedConn),
		unreg:     make(chan *feedConn),
		broadcast: make(chan event, 64),
		quit:      make(chan struct{}),
	}
}

func (f *feed) run() {
	for {
		select {
		case <-f.quit:
			for c := range f.conns {
				delete(f.conns, c)
				close(c.send)
			}
			return
		case c := <-f.reg:
			f.conns[c] = true
			feedLogger.Infof("client connected: %s", c.ws.RemoteAddr())
		case c := <-f.unreg:
			if !f.conns[c] {
				break
			}
			delete(f.conns, c)
			close(c.send)
			feedLogger.Infof("client disconnected: %s", c.ws.RemoteAddr())
		case msg := <-f.broadcast:
			feedLogger.Debugf("-> %+v", msg)
			for c := range f.conns {
				select {
				case c.send <- msg:
				default:
					delete(f.conns, c)
					close(c.send)
				}
			}
		}
	}
}

// publish queues msg, dropping it when the feed is saturated.
func (f *feed) publish(msg event) {
	if f == nil {
		return
	}
	select {
	case f.broadcast <- msg:
	default:
		feedLogger.Warningf("feed saturated, dropped %s event of %s", msg.Type, msg.Reader)
	}
}

func (f *feed) stop() {
	close(f.quit)
}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		feedLogger.Warningf("upgrade %s: %v", r.RemoteAddr, err)
		return
	}
	c := &feedConn{
		ws:     ws,
		send:   make(chan event, 16),
		binary: r.URL.Query().Get("format") == "cbor",
	}
	select {
	case f.reg <- c:
	case <-f.quit:
		ws.Close()
		return
	}
	go c.writer()
	c.reader(f)
}
