package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"
)

// NewHandler builds the HTTP surface: history retrieval, the websocket
// endpoint and a health probe. History prefers the durable store and falls
// back to the hub's in-memory backlog when running storeless.
func NewHandler(hub *Hub, store *Store, historyLimit int) http.Handler {
	r := chi.NewRouter()

	r.Get("/messages", func(w http.ResponseWriter, req *http.Request) {
		room := sanitizeRoom(req.URL.Query().Get("room"))
		msgs := hub.History(room)
		if store != nil {
			stored, err := store.Recent(room, historyLimit)
			if err != nil {
				log.Warn().Err(err).Str("room", room).Msg("[http] history read failed, serving backlog")
			} else {
				msgs = stored
			}
		}
		writeHistory(w, msgs)
	})

	r.Get("/ws", hub.ServeWS)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return r
}

func writeHistory(w http.ResponseWriter, msgs interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(msgs); err != nil {
		log.Debug().Err(err).Msg("[http] write history")
	}
}
