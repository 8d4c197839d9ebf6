package httpapi

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc/codes"

	"latepass/internal/attendance"
	"latepass/internal/auth"
	"latepass/internal/latepass"
)

// HealthCheck reports whether one dependency is reachable.
type HealthCheck func(ctx context.Context) bool

// Deps are the services the API exposes.
type Deps struct {
	Policy     *latepass.PolicyStore
	Resolver   *latepass.Resolver
	Manager    *latepass.Manager
	Gate       *latepass.Gate
	Attendance *attendance.Service

	JWTSigningKey string
	JWTIssuer     string

	// AllowedOrigins may call the API from a browser with credentials. When
	// empty any origin is allowed without credentials.
	AllowedOrigins []string

	// RateLimit is applied to every route when set.
	RateLimit gin.HandlerFunc
	Health    map[string]HealthCheck
	Log       *slog.Logger
}

type server struct {
	Deps
}

// NewRouter builds the gin engine serving the late pass API.
func NewRouter(d Deps) *gin.Engine {
	if d.Log == nil {
		d.Log = slog.Default()
	}
	s := &server{Deps: d}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware(d.AllowedOrigins))
	r.Use(securityHeaders())
	if d.RateLimit != nil {
		r.Use(d.RateLimit)
	}

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1", auth.ActorAuth(d.JWTSigningKey, d.JWTIssuer))
	staff := auth.RequireRole(auth.RoleStaff, auth.RoleAdmin)
	admin := auth.RequireRole(auth.RoleAdmin)

	lp := v1.Group("/late-pass")
	lp.GET("/config", s.getConfig)
	lp.PUT("/config", admin, s.updateConfig)
	lp.GET("/eligible", staff, s.listEligible)
	lp.GET("/students/:studentId/sessions", staff, s.listUpcomingSessions)
	lp.POST("/tickets", staff, s.issueTicket)
	lp.GET("/tickets", staff, s.listTickets)
	lp.GET("/tickets/:id", staff, s.getTicket)
	lp.POST("/tickets/:id/cancel", staff, s.cancelTicket)
	lp.POST("/tickets/:id/use", staff, s.useTicket)
	lp.POST("/validate", s.validate)
	lp.POST("/redeem", staff, s.redeem)
	lp.POST("/expire", admin, s.expireOverdue)

	v1.POST("/attendance", staff, s.markAttendance)
	v1.GET("/attendance/students/:studentId", staff, s.attendanceHistory)
	return r
}

func (s *server) healthz(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{"status": "ok"}
	for name, check := range s.Health {
		ok := check(c.Request.Context())
		body[name] = ok
		if !ok {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
		}
	}
	c.JSON(status, body)
}

// actor returns the caller's claims. ActorAuth guarantees they exist.
func actor(c *gin.Context) auth.Claims {
	claims, _ := auth.FromContext(c)
	return claims
}

var statusByCode = map[codes.Code]int{
	codes.InvalidArgument:    http.StatusBadRequest,
	codes.NotFound:           http.StatusNotFound,
	codes.AlreadyExists:      http.StatusConflict,
	codes.FailedPrecondition: http.StatusUnprocessableEntity,
	codes.DeadlineExceeded:   http.StatusGone,
	codes.ResourceExhausted:  http.StatusServiceUnavailable,
	codes.PermissionDenied:   http.StatusForbidden,
}

// writeError maps a classified error to an HTTP response. Internal errors
// are logged and reported without detail.
func (s *server) writeError(c *gin.Context, err error) {
	code := latepass.CodeOf(err)
	status, ok := statusByCode[code]
	if !ok {
		s.Log.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error", "code": codes.Internal.String()})
		return
	}
	body := gin.H{"error": err.Error(), "code": code.String()}
	if reason := latepass.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(status, body)
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "code": codes.InvalidArgument.String()})
}

func corsMiddleware(allowed []string) gin.HandlerFunc {
	origins := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		origins[o] = true
	}
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if len(origins) == 0 {
			c.Header("Access-Control-Allow-Origin", "*")
		} else {
			c.Header("Vary", "Origin")
			if origins[origin] {
				c.Header("Access-Control-Allow-Origin", origin)
				c.Header("Access-Control-Allow-Credentials", "true")
			}
		}
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
