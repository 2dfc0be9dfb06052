////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package realtime

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/pitside/client/chat"
)

const (
	// writeWait is the time allowed to write one frame to the gateway.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between pongs before the connection is
	// considered dead.
	pongWait = 20 * time.Second

	// pingInterval is how often pings go out; it must be under pongWait.
	pingInterval = (pongWait * 9) / 10

	// maxFrameSize caps inbound frames.
	maxFrameSize = 64 * 1024
)

// Gateway control frame types. These never reach subscriptions; the gateway
// consumes them to manage scope membership.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
)

// Gateway is a chat.Transport over a single multiplexed websocket connection
// to the realtime gateway. Scope subscriptions share the connection; inbound
// frames are routed to subscribers by their scope field.
type Gateway struct {
	conn *websocket.Conn

	subs map[string]map[*gatewaySub]bool
	done chan struct{}

	writeMux sync.Mutex
	mux      sync.Mutex
}

// Dial connects to the realtime gateway and starts the read and ping pumps.
// The bearer token authenticates the session.
func Dial(ctx context.Context, url, token string) (*Gateway, error) {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to dial realtime gateway at %s", url)
	}

	g := &Gateway{
		conn: conn,
		subs: make(map[string]map[*gatewaySub]bool),
		done: make(chan struct{}),
	}

	go g.readPump()
	go g.pingPump()
	jww.INFO.Printf("[GATEWAY] Connected to %s", url)
	return g, nil
}

type gatewaySub struct {
	gw     *Gateway
	scope  string
	egress chan chat.Event

	// sendMux serializes the read pump's enqueues against shut so a frame can
	// never be offered to a channel that a concurrent unsubscribe has already
	// closed.
	sendMux sync.Mutex
	closed  bool
}

func (gs *gatewaySub) Events() <-chan chat.Event { return gs.egress }

func (gs *gatewaySub) Close() {
	gs.gw.unsubscribe(gs)
}

// enqueue offers one frame without ever blocking the read pump. It reports
// false when the subscriber's buffer is full; frames offered after shut are
// discarded.
func (gs *gatewaySub) enqueue(ev chat.Event) bool {
	gs.sendMux.Lock()
	defer gs.sendMux.Unlock()
	if gs.closed {
		return true
	}
	select {
	case gs.egress <- ev:
		return true
	default:
		return false
	}
}

// shut closes the egress channel exactly once, after any in-flight enqueue
// has finished.
func (gs *gatewaySub) shut() {
	gs.sendMux.Lock()
	if !gs.closed {
		gs.closed = true
		close(gs.egress)
	}
	gs.sendMux.Unlock()
}

// Subscribe announces interest in a scope to the gateway and returns the
// stream of its events. Multiple subscriptions to one scope share the
// announcement but receive independent copies.
func (g *Gateway) Subscribe(
	ctx context.Context, scope string) (chat.Subscription, error) {
	sub := &gatewaySub{
		gw:     g,
		scope:  scope,
		egress: make(chan chat.Event, egressBufSize),
	}

	g.mux.Lock()
	subs, exists := g.subs[scope]
	if !exists {
		subs = make(map[*gatewaySub]bool)
		g.subs[scope] = subs
	}
	first := len(subs) == 0
	subs[sub] = true
	g.mux.Unlock()

	if first {
		err := g.write(chat.Event{Type: frameSubscribe, Scope: scope})
		if err != nil {
			g.unsubscribe(sub)
			return nil, err
		}
	}

	go func() {
		select {
		case <-ctx.Done():
			g.unsubscribe(sub)
		case <-g.done:
		}
	}()

	return sub, nil
}

// Publish sends one event frame to the gateway for fan-out.
func (g *Gateway) Publish(
	_ context.Context, scope string, event chat.Event) error {
	event.Scope = scope
	return g.write(event)
}

// Close shuts the connection down and ends every subscription.
func (g *Gateway) Close() {
	g.mux.Lock()
	select {
	case <-g.done:
		g.mux.Unlock()
		return
	default:
	}
	close(g.done)
	subs := g.subs
	g.subs = make(map[string]map[*gatewaySub]bool)
	g.mux.Unlock()

	deadline := time.Now().Add(writeWait)
	err := g.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		deadline)
	if err != nil {
		jww.DEBUG.Printf("[GATEWAY] Close frame failed: %+v", err)
	}
	_ = g.conn.Close()

	for _, scoped := range subs {
		for sub := range scoped {
			sub.shut()
		}
	}
	jww.INFO.Printf("[GATEWAY] Disconnected")
}

// readPump routes inbound frames to the subscriptions of their scope until
// the connection drops.
func (g *Gateway) readPump() {
	defer g.Close()

	g.conn.SetReadLimit(maxFrameSize)
	_ = g.conn.SetReadDeadline(time.Now().Add(pongWait))
	g.conn.SetPongHandler(func(string) error {
		return g.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var ev chat.Event
		if err := g.conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				jww.INFO.Printf("[GATEWAY] Connection closed by peer")
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				jww.WARN.Printf("[GATEWAY] Connection timed out")
				return
			}
			jww.ERROR.Printf("[GATEWAY] Read failed: %+v", err)
			return
		}

		g.mux.Lock()
		subs := make([]*gatewaySub, 0, len(g.subs[ev.Scope]))
		for sub := range g.subs[ev.Scope] {
			subs = append(subs, sub)
		}
		g.mux.Unlock()

		for _, sub := range subs {
			if !sub.enqueue(ev) {
				// Reader stalled. Dropping the frame beats blocking the pump
				// for every other scope on the connection.
				jww.WARN.Printf("[GATEWAY] Dropped %s frame for a slow "+
					"subscriber on %s", ev.Type, ev.Scope)
			}
		}
	}
}

// pingPump keeps the connection alive until it is closed.
func (g *Gateway) pingPump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.done:
			return
		case <-ticker.C:
			err := g.conn.WriteControl(
				websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil {
				jww.WARN.Printf("[GATEWAY] Ping failed: %+v", err)
				g.Close()
				return
			}
		}
	}
}

// write sends one frame under the write lock with a bounded deadline.
func (g *Gateway) write(ev chat.Event) error {
	g.writeMux.Lock()
	defer g.writeMux.Unlock()

	_ = g.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := g.conn.WriteJSON(ev); err != nil {
		return errors.WithMessagef(err,
			"failed to write %s frame to the gateway", ev.Type)
	}
	return nil
}

// unsubscribe removes one subscription, telling the gateway when it was the
// scope's last.
func (g *Gateway) unsubscribe(sub *gatewaySub) {
	g.mux.Lock()
	subs, exists := g.subs[sub.scope]
	if exists {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(g.subs, sub.scope)
		}
	}
	last := exists && len(subs) == 0
	g.mux.Unlock()

	if last {
		err := g.write(chat.Event{Type: frameUnsubscribe, Scope: sub.scope})
		if err != nil {
			jww.DEBUG.Printf("[GATEWAY] Unsubscribe from %s failed: %+v",
				sub.scope, err)
		}
	}
	sub.shut()
}
