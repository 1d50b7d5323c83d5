package server

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"trivia_backend/internal/apperr"
	"trivia_backend/internal/metrics"
	"trivia_backend/internal/services"
)

const (
	TokenHeader = "X-Session-Token"
	TokenCookie = "trivia_session"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	Metrics *metrics.Metrics
	Log     *zap.Logger
	// GeneratePerMinute and GenerateBurst bound question generation per
	// client address.
	GeneratePerMinute int
	GenerateBurst     int
	SessionTTL        time.Duration
}

type Server struct {
	Router      *mux.Router
	quizService services.QuizServiceInterface
	log         *zap.Logger
	sessionTTL  time.Duration
	limiter     *clientLimiter
	clients     map[leaderboardFilter]map[*websocket.Conn]bool
	mutex       sync.Mutex
}

func NewServer(quizService services.QuizServiceInterface, opts Options) *Server {
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	s := &Server{
		Router:      mux.NewRouter(),
		quizService: quizService,
		log:         opts.Log,
		sessionTTL:  opts.SessionTTL,
		limiter:     newClientLimiter(opts.GeneratePerMinute, opts.GenerateBurst),
		clients:     make(map[leaderboardFilter]map[*websocket.Conn]bool),
	}
	s.Router.Use(opts.Metrics.Middleware)

	api := s.Router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/question", s.handleQuestion).Methods(http.MethodGet)
	api.HandleFunc("/answer", s.handleAnswer).Methods(http.MethodPost)
	api.HandleFunc("/results", s.handleResults).Methods(http.MethodGet)
	api.HandleFunc("/reset", s.handleReset).Methods(http.MethodPost)
	api.HandleFunc("/submit-score", s.handleSubmitScore).Methods(http.MethodPost)
	api.HandleFunc("/leaderboard", s.handleLeaderboard).Methods(http.MethodGet)
	api.HandleFunc("/player/{name}", s.handlePlayer).Methods(http.MethodGet)
	api.HandleFunc("/questions/{id}/stats", s.handleQuestionStats).Methods(http.MethodGet)
	api.Handle("/generate-question", s.limiter.middleware(http.HandlerFunc(s.handleGenerate))).Methods(http.MethodPost)
	api.HandleFunc("/categories", s.handleCategories).Methods(http.MethodGet)

	s.Router.HandleFunc("/ws/leaderboard", s.handleWebSocket)
	s.Router.Handle("/metrics", opts.Metrics.Handler())
	s.Router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return s
}

// sessionToken reads the client token from the header, falling back to the
// session cookie.
func sessionToken(r *http.Request) string {
	if t := r.Header.Get(TokenHeader); t != "" {
		return t
	}
	if c, err := r.Cookie(TokenCookie); err == nil {
		return c.Value
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	e := apperr.As(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", string(e.Code)),
			zap.Error(err))
	}
	writeJSON(w, status, map[string]*apperr.Error{"error": e})
}

// decodeBody decodes a JSON body into v. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.InvalidInput("body", "invalid JSON body")
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.InvalidInput("limit", "limit must be an integer")
	}
	return n, nil
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req services.StartRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	resp, err := s.quizService.StartGame(r.Context(), sessionToken(r), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	cookie := &http.Cookie{
		Name:     TokenCookie,
		Value:    resp.Token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	if s.sessionTTL > 0 {
		cookie.MaxAge = int(s.sessionTTL.Seconds())
	}
	http.SetCookie(w, cookie)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuestion(w http.ResponseWriter, r *http.Request) {
	view, err := s.quizService.CurrentQuestion(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Answer *int `json:"answer"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.Answer == nil {
		s.writeError(w, r, apperr.InvalidInput("answer", "answer is required"))
		return
	}
	res, err := s.quizService.SubmitAnswer(r.Context(), sessionToken(r), *body.Answer)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	res, err := s.quizService.Results(r.Context(), sessionToken(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.quizService.Reset(r.Context(), sessionToken(r)); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleSubmitScore(w http.ResponseWriter, r *http.Request) {
	var body struct {
		PlayerName string `json:"playerName"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	sub, err := s.quizService.SubmitScore(r.Context(), sessionToken(r), body.PlayerName)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"entryId":         sub.Entry.ID,
		"entry":           sub.Entry,
		"newAchievements": sub.NewAchievements,
	})
	s.broadcastLeaderboards()
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	entries, err := s.quizService.GetLeaderboard(r.Context(), q.Get("category"), q.Get("difficulty"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handlePlayer(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	stats, err := s.quizService.PlayerStats(r.Context(), mux.Vars(r)["name"], limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleQuestionStats(w http.ResponseWriter, r *http.Request) {
	stat, err := s.quizService.QuestionStat(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stat)
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Category string `json:"category"`
	}
	if err := decodeBody(r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	q, err := s.quizService.GenerateQuestion(r.Context(), sessionToken(r), body.Category)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "question": q})
}

func (s *Server) handleCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.quizService.Categories())
}

// clientLimiter hands out one token bucket per client address. Buckets idle
// for longer than idleExpiry are dropped.
type clientLimiter struct {
	mu        sync.Mutex
	limit     rate.Limit
	burst     int
	visitors  map[string]*visitor
	lastPrune time.Time
	now       func() time.Time
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const (
	idleExpiry = 3 * time.Minute
	pruneEvery = time.Minute
)

func newClientLimiter(perMinute, burst int) *clientLimiter {
	limit := rate.Inf
	if perMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(perMinute))
	}
	if burst < 1 {
		burst = 1
	}
	return &clientLimiter{
		limit:     limit,
		burst:     burst,
		visitors:  make(map[string]*visitor),
		lastPrune: time.Now(),
		now:       time.Now,
	}
}

func (l *clientLimiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.Sub(l.lastPrune) >= pruneEvery {
		for k, v := range l.visitors {
			if now.Sub(v.lastSeen) > idleExpiry {
				delete(l.visitors, k)
			}
		}
		l.lastPrune = now
	}
	v, ok := l.visitors[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.visitors[key] = v
	}
	v.lastSeen = now
	return v.limiter
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (l *clientLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.get(clientIP(r)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]*apperr.Error{"error": apperr.ErrRateLimited})
			return
		}
		next.ServeHTTP(w, r)
	})
}
