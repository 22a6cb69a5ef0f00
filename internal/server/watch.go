package server

import (
	"net/http"
	"path"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"parley/internal/feed"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// registerWatch serves the live feed over a websocket. With an exchange id
// in the path the stream is scoped to that exchange; /watch streams
// everything. The connection closes when the subscription is cancelled or
// the client goes away.
func registerWatch(r chi.Router, basePath string, cfg Config) {
	r.Get(path.Join(basePath, "watch"), func(w http.ResponseWriter, req *http.Request) {
		ch, cancel := cfg.Bus.Subscribe()
		serveWatch(w, req, ch, cancel)
	})
	r.Get(path.Join(basePath, "exchanges/{id}/watch"), func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		ch, cancel := cfg.Bus.SubscribeExchange(id)
		serveWatch(w, req, ch, cancel)
	})
}

func serveWatch(w http.ResponseWriter, req *http.Request, ch <-chan feed.Event, cancel func()) {
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		cancel()
		return
	}
	defer conn.Close()
	defer cancel()

	// Reader goroutine: we never expect client messages, but reading is
	// what surfaces the close frame.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case evt, ok := <-ch:
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "feed closed"))
				return
			}
			if err := conn.WriteJSON(evt); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
