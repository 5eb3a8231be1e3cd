// Package backendtest runs an in-process chat backend for tests.
package backendtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Frame is one scripted stream record. Data is written verbatim after
// "data: ".
type Frame struct {
	Data  string
	Delay time.Duration
}

// StreamScript decides the frames of a /chat/stream response. sessionID is
// the resolved session (created when the request carried none).
type StreamScript func(prompt, sessionID string) []Frame

// DefaultScript answers every prompt with "Hello" split in two chunks.
func DefaultScript(prompt, sessionID string) []Frame {
	return []Frame{
		{Data: `{"chunk": "He"}`},
		{Data: `{"chunk": "llo"}`},
		{Data: fmt.Sprintf(`{"session_id": %q}`, sessionID)},
		{Data: `{"done": true}`},
	}
}

type message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type session struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UserID    int       `json:"user_id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	messages  []message
}

type llmConfig struct {
	ID         int    `json:"id"`
	Name       string `json:"name"`
	Provider   string `json:"provider"`
	ModelName  string `json:"model_name"`
	APIKey     string `json:"api_key,omitempty"`
	APIBaseURL string `json:"api_base_url,omitempty"`
	IsDefault  bool   `json:"is_default"`
	UserID     int    `json:"user_id"`
}

// Server is a fake backend mounted under /api/v1.
type Server struct {
	// URL is the API base, ending in /api/v1.
	URL string

	srv *httptest.Server

	mu         sync.Mutex
	users      map[string]string
	tokens     map[string]string
	sessions   map[string]*session
	configs    map[int]*llmConfig
	nextID     int
	tokenSeq   int
	script     StreamScript
	stops      []string
	failures   map[string][]int
	wrap       bool
	lastStream map[string]interface{}
}

// New starts a fake backend with one account, alice/wonderland.
func New() *Server {
	gin.SetMode(gin.TestMode)
	s := &Server{
		users:    map[string]string{"alice": "wonderland"},
		tokens:   map[string]string{},
		sessions: map[string]*session{},
		configs:  map[int]*llmConfig{},
		script:   DefaultScript,
		failures: map[string][]int{},
	}
	s.srv = httptest.NewServer(s.router())
	s.URL = s.srv.URL + "/api/v1"
	return s
}

// Close shuts the server down.
func (s *Server) Close() { s.srv.Close() }

// SetScript replaces the stream script.
func (s *Server) SetScript(fn StreamScript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.script = fn
}

// WrapResponses makes JSON responses use the {success, data, message} wrapper.
func (s *Server) WrapResponses(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wrap = on
}

// FailNext queues status codes returned by the next calls to path, which is
// relative to the API base (for example "/chat/sessions").
func (s *Server) FailNext(path string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = append(s.failures[path], statuses...)
}

// IssueToken logs username in and returns a valid bearer token.
func (s *Server) IssueToken(username string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.issueLocked(username)
}

// RevokeTokens invalidates every issued token.
func (s *Server) RevokeTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = map[string]string{}
}

// Stops returns the session ids received by /chat/stop.
func (s *Server) Stops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.stops...)
}

// LastStreamRequest returns the decoded body of the most recent stream call.
func (s *Server) LastStreamRequest() map[string]interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStream
}

// AddSession seeds a session with a transcript given as alternating
// user/assistant contents.
func (s *Server) AddSession(title string, contents ...string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.createSessionLocked(title)
	for i, c := range contents {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		s.appendLocked(sess, role, c)
	}
	return sess.ID
}

func (s *Server) issueLocked(username string) string {
	s.tokenSeq++
	claims := jwt.RegisteredClaims{
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		ID:        strconv.Itoa(s.tokenSeq),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("backendtest"))
	if err != nil {
		panic(err)
	}
	s.tokens[token] = username
	return token
}

func (s *Server) createSessionLocked(title string) *session {
	s.nextID++
	now := time.Now().UTC()
	sess := &session{ID: fmt.Sprintf("s%d", s.nextID), Title: title, UserID: 1, CreatedAt: now, UpdatedAt: now}
	s.sessions[sess.ID] = sess
	return sess
}

func (s *Server) appendLocked(sess *session, role, content string) {
	s.nextID++
	sess.messages = append(sess.messages, message{
		ID:        strconv.Itoa(s.nextID),
		SessionID: sess.ID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	})
	sess.UpdatedAt = time.Now().UTC()
}

func (s *Server) router() *gin.Engine {
	r := gin.New()
	api := r.Group("/api/v1", s.injectFailures)

	api.POST("/auth/token", s.login)
	api.POST("/auth/register", s.register)

	authed := api.Group("", s.requireAuth)
	authed.GET("/auth/me", s.me)
	authed.GET("/chat/sessions", s.listSessions)
	authed.POST("/chat/sessions", s.createSession)
	authed.GET("/chat/sessions/:id", s.getSession)
	authed.PUT("/chat/sessions/:id", s.renameSession)
	authed.DELETE("/chat/sessions/:id", s.deleteSession)
	authed.GET("/chat/sessions/:id/messages", s.listMessages)
	authed.POST("/chat/send", s.send)
	authed.POST("/chat/stream", s.stream)
	authed.POST("/chat/stop", s.stop)
	authed.GET("/llm-config/", s.listConfigs)
	authed.POST("/llm-config/", s.createConfig)
	authed.GET("/llm-config/default", s.defaultConfig)
	authed.GET("/llm-config/providers", s.providers)
	authed.GET("/llm-config/:id", s.getConfig)
	authed.PUT("/llm-config/:id", s.updateConfig)
	authed.DELETE("/llm-config/:id", s.deleteConfig)
	return r
}

func (s *Server) injectFailures(c *gin.Context) {
	path := strings.TrimPrefix(c.Request.URL.Path, "/api/v1")
	s.mu.Lock()
	queue := s.failures[path]
	var status int
	if len(queue) > 0 {
		status = queue[0]
		s.failures[path] = queue[1:]
	}
	s.mu.Unlock()
	if status != 0 {
		c.AbortWithStatusJSON(status, gin.H{"detail": fmt.Sprintf("injected failure %d", status)})
		return
	}
	c.Next()
}

func (s *Server) requireAuth(c *gin.Context) {
	token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	s.mu.Lock()
	user, ok := s.tokens[token]
	s.mu.Unlock()
	if token == "" || !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Could not validate credentials"})
		return
	}
	c.Set("user", user)
	c.Next()
}

func (s *Server) respond(c *gin.Context, status int, payload interface{}) {
	s.mu.Lock()
	wrap := s.wrap
	s.mu.Unlock()
	if wrap {
		c.JSON(status, gin.H{"success": true, "data": payload, "message": "ok"})
		return
	}
	c.JSON(status, payload)
}

func (s *Server) login(c *gin.Context) {
	username := c.PostForm("username")
	password := c.PostForm("password")
	s.mu.Lock()
	defer s.mu.Unlock()
	if want, ok := s.users[username]; !ok || want != password {
		c.JSON(http.StatusUnauthorized, gin.H{"detail": "Incorrect username or password"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"access_token": s.issueLocked(username), "token_type": "bearer"})
}

func (s *Server) register(c *gin.Context) {
	username := c.Query("username")
	password := c.Query("password")
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.users[username]; exists {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "Username already taken"})
		return
	}
	if len(password) < 8 {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{
			"loc": []string{"query", "password"},
			"msg": "ensure this value has at least 8 characters",
		}}})
		return
	}
	s.users[username] = password
	c.JSON(http.StatusOK, gin.H{"message": "registered"})
}

func (s *Server) me(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{"id": 1, "username": c.GetString("user"), "email": c.GetString("user") + "@example.com", "is_active": true})
}

func (s *Server) listSessions(c *gin.Context) {
	s.mu.Lock()
	out := make([]session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.respond(c, http.StatusOK, out)
}

func (s *Server) createSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Title == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "title"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	sess := *s.createSessionLocked(body.Title)
	s.mu.Unlock()
	s.respond(c, http.StatusCreated, sess)
}

func (s *Server) lookup(c *gin.Context) (*session, bool) {
	sess, ok := s.sessions[c.Param("id")]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
	}
	return sess, ok
}

func (s *Server) getSession(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.lookup(c)
	if !ok {
		s.mu.Unlock()
		return
	}
	payload := gin.H{
		"id": sess.ID, "title": sess.Title, "user_id": sess.UserID,
		"created_at": sess.CreatedAt, "updated_at": sess.UpdatedAt,
		"messages": append([]message(nil), sess.messages...),
	}
	s.mu.Unlock()
	s.respond(c, http.StatusOK, payload)
}

func (s *Server) renameSession(c *gin.Context) {
	var body struct {
		Title string `json:"title"`
	}
	_ = c.ShouldBindJSON(&body)
	s.mu.Lock()
	sess, ok := s.lookup(c)
	if !ok {
		s.mu.Unlock()
		return
	}
	sess.Title = body.Title
	sess.UpdatedAt = time.Now().UTC()
	out := *sess
	s.mu.Unlock()
	s.respond(c, http.StatusOK, out)
}

func (s *Server) deleteSession(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lookup(c); !ok {
		return
	}
	delete(s.sessions, c.Param("id"))
	c.Status(http.StatusNoContent)
}

func (s *Server) listMessages(c *gin.Context) {
	s.mu.Lock()
	sess, ok := s.lookup(c)
	if !ok {
		s.mu.Unlock()
		return
	}
	out := append([]message{}, sess.messages...)
	s.mu.Unlock()
	s.respond(c, http.StatusOK, out)
}

type chatRequest struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// resolve finds or creates the session of a chat request and records the
// user message.
func (s *Server) resolve(c *gin.Context, req chatRequest) (*session, bool) {
	if req.SessionID == "" {
		title := req.Message
		if len(title) > 30 {
			title = title[:30]
		}
		sess := s.createSessionLocked(title)
		s.appendLocked(sess, "user", req.Message)
		return sess, true
	}
	sess, ok := s.sessions[req.SessionID]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Session not found"})
		return nil, false
	}
	s.appendLocked(sess, "user", req.Message)
	return sess, true
}

func (s *Server) send(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	s.mu.Lock()
	sess, ok := s.resolve(c, req)
	if !ok {
		s.mu.Unlock()
		return
	}
	s.appendLocked(sess, "assistant", "Hello")
	id := sess.ID
	s.mu.Unlock()
	s.respond(c, http.StatusOK, gin.H{"message": "Hello", "session_id": id})
}

func (s *Server) stream(c *gin.Context) {
	var raw map[string]interface{}
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": err.Error()})
		return
	}
	req := chatRequest{}
	req.Message, _ = raw["message"].(string)
	req.SessionID, _ = raw["session_id"].(string)

	s.mu.Lock()
	s.lastStream = raw
	sess, ok := s.resolve(c, req)
	if !ok {
		s.mu.Unlock()
		return
	}
	sessionID := sess.ID
	frames := s.script(req.Message, sessionID)
	s.mu.Unlock()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)

	var reply strings.Builder
	saved := false
	save := func() {
		if saved || reply.Len() == 0 {
			return
		}
		saved = true
		s.mu.Lock()
		if sess, ok := s.sessions[sessionID]; ok {
			s.appendLocked(sess, "assistant", reply.String())
		}
		s.mu.Unlock()
	}
	defer save()

	for _, f := range frames {
		if f.Delay > 0 {
			select {
			case <-time.After(f.Delay):
			case <-c.Request.Context().Done():
				return
			}
		}
		if strings.Contains(f.Data, `"chunk"`) {
			reply.WriteString(chunkText(f.Data))
		}
		// The reply is stored before done goes out so a refetch sees it.
		if strings.Contains(f.Data, `"done"`) {
			save()
		}
		_, _ = fmt.Fprintf(c.Writer, "data: %s\n\n", f.Data)
		c.Writer.Flush()
	}
}

func chunkText(data string) string {
	var rec struct {
		Chunk string `json:"chunk"`
	}
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return ""
	}
	return rec.Chunk
}

func (s *Server) stop(c *gin.Context) {
	id := c.Query("session_id")
	if id == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"query", "session_id"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	s.stops = append(s.stops, id)
	s.mu.Unlock()
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "stop signal sent"})
}

func (s *Server) listConfigs(c *gin.Context) {
	s.mu.Lock()
	out := make([]llmConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, *cfg)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	s.respond(c, http.StatusOK, out)
}

func (s *Server) createConfig(c *gin.Context) {
	var cfg llmConfig
	if err := c.ShouldBindJSON(&cfg); err != nil || cfg.Name == "" || cfg.Provider == "" {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"body", "name"}, "msg": "field required"}}})
		return
	}
	s.mu.Lock()
	s.nextID++
	cfg.ID = s.nextID
	cfg.UserID = 1
	if cfg.IsDefault {
		s.clearDefaultLocked()
	}
	s.configs[cfg.ID] = &cfg
	out := cfg
	s.mu.Unlock()
	s.respond(c, http.StatusCreated, out)
}

func (s *Server) clearDefaultLocked() {
	for _, cfg := range s.configs {
		cfg.IsDefault = false
	}
}

func (s *Server) defaultConfig(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, cfg := range s.configs {
		if cfg.IsDefault {
			s.respondLocked(c, http.StatusOK, *cfg)
			return
		}
	}
	c.JSON(http.StatusNotFound, gin.H{"detail": "No default configuration"})
}

// respondLocked is respond for handlers already holding mu.
func (s *Server) respondLocked(c *gin.Context, status int, payload interface{}) {
	if s.wrap {
		c.JSON(status, gin.H{"success": true, "data": payload, "message": "ok"})
		return
	}
	c.JSON(status, payload)
}

func (s *Server) configByParam(c *gin.Context) (*llmConfig, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"detail": []gin.H{{"loc": []string{"path", "config_id"}, "msg": "value is not a valid integer"}}})
		return nil, false
	}
	cfg, ok := s.configs[id]
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"detail": "Configuration not found"})
	}
	return cfg, ok
}

func (s *Server) getConfig(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cfg, ok := s.configByParam(c); ok {
		s.respondLocked(c, http.StatusOK, *cfg)
	}
}

func (s *Server) updateConfig(c *gin.Context) {
	var patch map[string]interface{}
	_ = c.ShouldBindJSON(&patch)
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configByParam(c)
	if !ok {
		return
	}
	if v, ok := patch["name"].(string); ok {
		cfg.Name = v
	}
	if v, ok := patch["provider"].(string); ok {
		cfg.Provider = v
	}
	if v, ok := patch["model_name"].(string); ok {
		cfg.ModelName = v
	}
	if v, ok := patch["api_key"].(string); ok {
		cfg.APIKey = v
	}
	if v, ok := patch["api_base_url"].(string); ok {
		cfg.APIBaseURL = v
	}
	if v, ok := patch["is_default"].(bool); ok {
		if v {
			s.clearDefaultLocked()
		}
		cfg.IsDefault = v
	}
	s.respondLocked(c, http.StatusOK, *cfg)
}

func (s *Server) deleteConfig(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configByParam(c)
	if !ok {
		return
	}
	delete(s.configs, cfg.ID)
	c.Status(http.StatusNoContent)
}

func (s *Server) providers(c *gin.Context) {
	s.respond(c, http.StatusOK, gin.H{
		"openai":   []string{"gpt-4o", "gpt-4o-mini"},
		"deepseek": []string{"deepseek-chat"},
		"ollama":   []string{"llama3"},
	})
}
