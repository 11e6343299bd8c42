package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"yuim/services/im-relay/internal/auth"
	"yuim/services/im-relay/internal/repo"
)

// HistoryStore is the read side of the message store used by the fetch
// endpoint.
type HistoryStore interface {
	ListConversation(ctx context.Context, a, b int64, limit int) ([]repo.Message, error)
}

type historyItem struct {
	ID          int64      `json:"id"`
	From        int64      `json:"from"`
	To          int64      `json:"to"`
	Message     string     `json:"message"`
	Kind        string     `json:"kind"`
	MediaURL    string     `json:"media_url,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at"`
	ReadAt      *time.Time `json:"read_at"`
	Timestamp   time.Time  `json:"timestamp"`
}

// HistoryHandler serves GET /v1/messages?peer=&limit= — the persisted
// conversation with one peer, both directions, oldest first. Clients use it to
// reconcile state they missed while offline; delivered_at stays whatever relay
// left there, reconnecting never backfills it.
func (s *Server) HistoryHandler(store HistoryStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		tok := s.cfg.Auth.Token
		raw := auth.ExtractToken(r, tok.Header, tok.BearerPrefix, tok.QueryKey)
		uid, err := auth.VerifyToken(raw, tok.Secret)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}

		peer, _ := strconv.ParseInt(r.URL.Query().Get("peer"), 10, 64)
		if peer <= 0 {
			http.Error(w, "missing peer", http.StatusBadRequest)
			return
		}
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 || limit > s.cfg.History.MaxLimit {
			limit = s.cfg.History.MaxLimit
		}

		msgs, err := store.ListConversation(r.Context(), uid, peer, limit)
		if err != nil {
			http.Error(w, "store unavailable", http.StatusInternalServerError)
			return
		}

		items := make([]historyItem, 0, len(msgs))
		for _, m := range msgs {
			it := historyItem{
				ID:        m.ID,
				From:      m.Sender,
				To:        m.Receiver,
				Message:   m.Body,
				Kind:      m.Kind,
				Timestamp: m.CreatedAt,
			}
			if m.MediaURL.Valid {
				it.MediaURL = m.MediaURL.String
			}
			if m.DeliveredAt.Valid {
				t := m.DeliveredAt.Time
				it.DeliveredAt = &t
			}
			if m.ReadAt.Valid {
				t := m.ReadAt.Time
				it.ReadAt = &t
			}
			items = append(items, it)
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"messages": items})
	}
}
