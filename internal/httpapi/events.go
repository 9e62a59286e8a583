package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

// EventsHandler streams pool lifecycle events to websocket clients as JSON
// text frames. Delivery is best effort: a client that stops reading loses
// events rather than slowing the pool down.
func EventsHandler(svc Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = c.Close(websocket.StatusInternalError, "server error")
		}()

		events, cancel := svc.Subscribe(64)
		defer cancel()

		ctx, done := joinContexts(serverBaseCtx, r.Context())
		defer done()

		// Reads only serve to notice the client going away.
		go func() {
			for {
				if _, _, err := c.Read(ctx); err != nil {
					done()
					return
				}
			}
		}()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					_ = c.Close(websocket.StatusNormalClosure, "event stream closed")
					return
				}
				b, err := json.Marshal(e)
				if err != nil {
					continue
				}
				if err := c.Write(ctx, websocket.MessageText, b); err != nil {
					return
				}
			case <-ctx.Done():
				_ = c.Close(websocket.StatusNormalClosure, "shutdown")
				return
			}
		}
	}
}
