package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"trivia_backend/internal/services"
)

type leaderboardFilter struct {
	Category   string
	Difficulty string
}

func newLeaderboardFilter(category, difficulty string) leaderboardFilter {
	norm := func(v string) string {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			return "all"
		}
		return v
	}
	return leaderboardFilter{Category: norm(category), Difficulty: norm(difficulty)}
}

// handleWebSocket streams the ranked leaderboard for one filter. The current
// page is sent on connect and again after every score submission.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := newLeaderboardFilter(q.Get("category"), q.Get("difficulty"))

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	leaderboard, err := s.quizService.GetLeaderboard(r.Context(), filter.Category, filter.Difficulty, services.DefaultLeaderboardLimit)
	if err != nil {
		s.log.Error("initial leaderboard failed", zap.Error(err))
		return
	}

	s.mutex.Lock()
	if s.clients[filter] == nil {
		s.clients[filter] = make(map[*websocket.Conn]bool)
	}
	s.clients[filter][conn] = true
	err = conn.WriteJSON(leaderboard)
	s.mutex.Unlock()
	if err != nil {
		s.removeClient(filter, conn)
		return
	}

	// Clients only listen; reading detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.removeClient(filter, conn)
			return
		}
	}
}

func (s *Server) removeClient(filter leaderboardFilter, conn *websocket.Conn) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.clients[filter], conn)
	if len(s.clients[filter]) == 0 {
		delete(s.clients, filter)
	}
}

// broadcastLeaderboards pushes a fresh page to every subscribed filter.
func (s *Server) broadcastLeaderboards() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ctx := context.Background()
	for filter, conns := range s.clients {
		updatedLeaderboard, err := s.quizService.GetLeaderboard(ctx, filter.Category, filter.Difficulty, services.DefaultLeaderboardLimit)
		if err != nil {
			s.log.Error("leaderboard broadcast failed", zap.String("category", filter.Category), zap.Error(err))
			continue
		}
		for client := range conns {
			if err := client.WriteJSON(updatedLeaderboard); err != nil {
				s.log.Debug("dropping websocket client", zap.Error(err))
				delete(conns, client)
				client.Close()
			}
		}
	}
}
