// Package api exposes sessions and messages over HTTP. Every route except
// /health requires a token whose userId scopes what the caller can see.
package api

import (
	"context"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/courier/internal/models"
	"github.com/zulandar/courier/internal/notify"
	"github.com/zulandar/courier/internal/outbox"
	"github.com/zulandar/courier/internal/session"
	"github.com/zulandar/courier/internal/store"
)

//go:embed templates/*.html
var templatesFS embed.FS

// DefaultPairingTimeout bounds how long create-session waits for a code.
const DefaultPairingTimeout = 60 * time.Second

// Sessions is the lifecycle surface the handlers drive.
type Sessions interface {
	StartAndWait(ctx context.Context, id, owner string, timeout time.Duration) (session.Outcome, error)
	Logout(ctx context.Context, id string) error
	Registry() *session.Registry
}

// Messages is the read side of the message store.
type Messages interface {
	FindByID(ctx context.Context, id uint) (*models.Message, error)
	Find(ctx context.Context, f store.Filter, p store.Page) ([]models.Message, error)
	Count(ctx context.Context, f store.Filter) (int64, error)
}

// Opts configures the API.
type Opts struct {
	Sessions       Sessions
	Outbox         *outbox.Outbox
	Messages       Messages
	Hub            *notify.Hub // optional; nil disables /api/events
	Secret         []byte
	Cookie         string
	CORSOrigin     string
	PairingTimeout time.Duration
	Now            func() time.Time
}

// Server holds handler dependencies.
type Server struct {
	sessions       Sessions
	outbox         *outbox.Outbox
	messages       Messages
	hub            *notify.Hub
	secret         []byte
	cookie         string
	corsOrigin     string
	pairingTimeout time.Duration
	now            func() time.Time
}

// New validates opts and creates a Server.
func New(opts Opts) (*Server, error) {
	if opts.Sessions == nil {
		return nil, fmt.Errorf("api: sessions are required")
	}
	if opts.Outbox == nil {
		return nil, fmt.Errorf("api: outbox is required")
	}
	if opts.Messages == nil {
		return nil, fmt.Errorf("api: messages are required")
	}
	if len(opts.Secret) == 0 {
		return nil, fmt.Errorf("api: jwt secret is required")
	}
	s := &Server{
		sessions:       opts.Sessions,
		outbox:         opts.Outbox,
		messages:       opts.Messages,
		hub:            opts.Hub,
		secret:         opts.Secret,
		cookie:         opts.Cookie,
		corsOrigin:     opts.CORSOrigin,
		pairingTimeout: opts.PairingTimeout,
		now:            opts.Now,
	}
	if s.cookie == "" {
		s.cookie = DefaultCookie
	}
	if s.pairingTimeout <= 0 {
		s.pairingTimeout = DefaultPairingTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() (*gin.Engine, error) {
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger())
	if s.corsOrigin != "" {
		router.Use(cors(s.corsOrigin))
	}

	tmpl, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("api: parse templates: %w", err)
	}
	router.SetHTMLTemplate(tmpl)

	s.registerRoutes(router)
	return router, nil
}

// Start serves the API on port until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	if port <= 0 {
		port = 8080
	}
	gin.SetMode(gin.ReleaseMode)
	router, err := s.Router()
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.WithField("port", port).Info("api: listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api: %w", err)
	}
	return nil
}

func (s *Server) registerRoutes(router *gin.Engine) {
	router.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "API is working")
	})

	authed := router.Group("/api", requireAuth(s.secret, s.cookie))
	authed.GET("/events", s.handleEvents())

	sessions := authed.Group("/sessions")
	sessions.GET("", s.handleListSessions())
	sessions.GET("/create-session", s.handleCreateSession())
	sessions.GET("/logout", s.handleLogout())
	sessions.POST("/send-message", s.handleSendMessage())
	sessions.POST("/send-media", s.handleSendMedia())
	sessions.POST("/send-multiple", s.handleSendMultiple())
	sessions.POST("/schedule-message", s.handleScheduleMessage())
	sessions.GET("/schedule-message", s.handleListScheduled())
	sessions.GET("/message", s.handleGetMessage())
	sessions.GET("/all-messages", s.handleAllMessages())
	sessions.GET("/get-sent-message", s.handleSentHistory())
	sessions.GET("/dashboard-stats", s.handleDashboardStats())
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Millisecond),
		}).Debug("api: request")
	}
}

func cors(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", origin)
		h.Set("Access-Control-Allow-Credentials", "true")
		h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
