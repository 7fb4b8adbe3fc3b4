// Package devgateway is a development backend for the client. It issues
// sessions, accepts imperatives on the same endpoints as the production
// gateway and answers them on the session topic the way the backend
// processors do: the client-ready imperative receives the cipher pool,
// the cipher selection is acknowledged and every other event is echoed
// with err 0.
package devgateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lightforgemedia/go-dopclient/pkg/auth"
	"github.com/lightforgemedia/go-dopclient/pkg/cipher"
	"github.com/lightforgemedia/go-dopclient/pkg/config"
	"github.com/lightforgemedia/go-dopclient/pkg/model"
)

// Backend error codes carried in params.err of pushes.
const (
	ErrCodeSessionNotFound = 514
	ErrCodeCipherSuite     = 802
)

// Gateway error codes carried in the HTTP response body.
const (
	errContentType = 1
	errMalformed   = 2
	errPublish     = 3
)

const defaultTokenTTL = time.Hour

// Publisher delivers a push on a broker topic. The websocket Hub, the
// in-process bus and the NATS publisher implement it.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Server is the development gateway.
type Server struct {
	logger    *slog.Logger
	publisher Publisher
	hub       *Hub
	signer    *auth.Signer
	tokenTTL  time.Duration
	mainTopic string
	basePath  string
	suites    []cipher.Suite
	origins   []string
	router    *gin.Engine

	mu       sync.Mutex
	sessions map[string]string
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithPublisher routes pushes to p instead of the built-in websocket hub.
func WithPublisher(p Publisher) Option {
	return func(s *Server) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithSigner enables bearer verification. Requests without a token
// signed by signer are answered with 401, and issued session tokens are
// signed JWTs.
func WithSigner(signer *auth.Signer, ttl time.Duration) Option {
	return func(s *Server) {
		s.signer = signer
		if ttl > 0 {
			s.tokenTTL = ttl
		}
	}
}

// WithMainTopic sets the session topic prefix.
func WithMainTopic(topic string) Option {
	return func(s *Server) {
		if topic != "" {
			s.mainTopic = topic
		}
	}
}

// WithCipherSuites sets the pool offered in reply to the client-ready
// imperative. Defaults to the none suite.
func WithCipherSuites(suites ...cipher.Suite) Option {
	return func(s *Server) {
		if len(suites) > 0 {
			s.suites = append([]cipher.Suite(nil), suites...)
		}
	}
}

// WithAllowedOrigins enables CORS for browser clients served from
// origins. "*" allows any origin.
func WithAllowedOrigins(origins ...string) Option {
	return func(s *Server) {
		s.origins = append(s.origins, origins...)
	}
}

// New creates a development gateway.
func New(opts ...Option) *Server {
	s := &Server{
		logger:    slog.Default(),
		tokenTTL:  defaultTokenTTL,
		mainTopic: config.DefaultMainTopic,
		basePath:  config.DefaultBasePath,
		suites:    []cipher.Suite{{Name: cipher.NoneName, Mode: "", KeyLength: 0}},
		sessions:  make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if !strings.HasSuffix(s.mainTopic, "/") {
		s.mainTopic += "/"
	}
	s.hub = NewHub(s.logger)
	if s.publisher == nil {
		s.publisher = s.hub
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests())
	if len(s.origins) > 0 {
		r.Use(cors.New(s.corsConfig()))
	}

	dop := r.Group(s.basePath)
	if s.signer != nil {
		dop.Use(s.requireBearer())
	}
	dop.POST("/startsession", s.startSession)
	dop.POST("/imperatives", s.imperative)
	dop.POST("/sysadmin", s.imperative)
	r.GET("/ws", gin.WrapH(s.hub))
	r.GET("/health", func(c *gin.Context) { c.String(http.StatusOK, "OK") })
	s.router = r
	return s
}

// Handler returns the HTTP handler serving the gateway and the hub.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Sessions returns the number of issued sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close disconnects hub clients.
func (s *Server) Close() {
	s.hub.Close()
}

func (s *Server) corsConfig() cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", "Authorization"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range s.origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	cfg.AllowOrigins = s.origins
	cfg.AllowCredentials = true
	return cfg
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug(fmt.Sprintf("Gateway: [%s] %s - %d (%v)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start)))
	}
}

func (s *Server) requireBearer() gin.HandlerFunc {
	return func(c *gin.Context) {
		parts := strings.SplitN(c.GetHeader("Authorization"), " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		claims, err := s.signer.Verify(parts[1])
		if err != nil {
			s.logger.Warn(fmt.Sprintf("Gateway: rejected token: %v", err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set("subject", claims.Subject)
		c.Next()
	}
}

func jsonOnly(c *gin.Context) bool {
	if c.ContentType() != "application/json" {
		c.JSON(http.StatusBadRequest, gin.H{"err": errContentType})
		return false
	}
	return true
}

type startSessionRequest struct {
	Sub string `json:"sub" binding:"required"`
}

func (s *Server) startSession(c *gin.Context) {
	if !jsonOnly(c) {
		return
	}
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": errMalformed})
		return
	}

	id := uuid.NewString()
	token := strings.ReplaceAll(uuid.NewString(), "-", "")
	if s.signer != nil {
		signed, err := s.signer.Issue(req.Sub, id, s.tokenTTL)
		if err != nil {
			s.logger.Error(fmt.Sprintf("Gateway: token for %q: %v", req.Sub, err))
			c.JSON(http.StatusInternalServerError, gin.H{"err": errPublish})
			return
		}
		token = signed
	}

	s.mu.Lock()
	s.sessions[id] = token
	s.mu.Unlock()

	s.logger.Info(fmt.Sprintf("Gateway: session %s started for %q", id, req.Sub))
	c.JSON(http.StatusOK, gin.H{"session": id, "auth_token": token})
}

func (s *Server) imperative(c *gin.Context) {
	if !jsonOnly(c) {
		return
	}
	data, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": errMalformed})
		return
	}
	env, err := model.Decode(data)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"err": errMalformed})
		return
	}

	reply := s.process(env)
	if err := s.push(env.Session, reply); err != nil {
		s.logger.Error(fmt.Sprintf("Gateway: push for session %s failed: %v", env.Session, err))
		c.JSON(http.StatusInternalServerError, gin.H{"err": errPublish})
		return
	}
	c.JSON(http.StatusOK, gin.H{"err": 0})
}

// process computes the push answering env.
func (s *Server) process(env *model.Envelope) *model.Envelope {
	reply := &model.Envelope{Session: env.Session, Task: env.Task, Event: env.Event, Params: map[string]any{}}

	if !s.authorized(env) {
		reply.Params[model.ParamErr] = ErrCodeSessionNotFound
		return reply
	}

	switch env.Kind() {
	case model.KindClientReady:
		pool := make([]any, len(s.suites))
		for i, suite := range s.suites {
			pool[i] = suite.Params()
		}
		reply.Params[model.ParamErr] = 0
		reply.Params[model.ParamCipherSuites] = pool
	case model.KindCipherSuiteSelection:
		reply.Params[model.ParamErr] = s.checkSelection(env)
	default:
		for k, v := range env.Params {
			if k != model.ParamAuthToken {
				reply.Params[k] = model.CloneValue(v)
			}
		}
		reply.Params[model.ParamErr] = 0
	}
	return reply
}

// authorized checks that the session exists and that the params carry its
// token.
func (s *Server) authorized(env *model.Envelope) bool {
	s.mu.Lock()
	token, ok := s.sessions[env.Session]
	s.mu.Unlock()
	if !ok {
		return false
	}
	got, _ := env.Param(model.ParamAuthToken)
	return got == token
}

func (s *Server) checkSelection(env *model.Envelope) int {
	raw, _ := env.Param("cipher_suite")
	pool, err := cipher.ParsePool([]any{raw})
	if err != nil || len(pool) != 1 {
		return ErrCodeCipherSuite
	}
	for _, offered := range s.suites {
		if strings.EqualFold(offered.Name, pool[0].Name) && strings.EqualFold(offered.Mode, pool[0].Mode) {
			return 0
		}
	}
	return ErrCodeCipherSuite
}

func (s *Server) push(session string, env *model.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return s.publisher.Publish(s.mainTopic+session, data)
}
