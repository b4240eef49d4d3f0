package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	cidpkg "pttrelay/internal/cid"
	"pttrelay/internal/config"
	"pttrelay/internal/otelutil"
	"pttrelay/internal/state"
	"pttrelay/internal/store"
	"pttrelay/pkg/protocol"
)

// Server wires the state manager, the blob store and the HTTP surface.
type Server struct {
	stateManager *state.Manager
	blobs        *store.DiskStore
	cfg          *config.Config
}

func newServer(cfg *config.Config) (*Server, error) {
	blobs, err := store.NewDiskStore(cfg.UploadsDir, cfg.MaxUploadBytes)
	if err != nil {
		return nil, err
	}
	return &Server{
		stateManager: state.NewManager(cfg.RadiusKm),
		blobs:        blobs,
		cfg:          cfg,
	}, nil
}

// cidMiddleware ensures every request carries a correlation id: an incoming
// X-PTT-CID header is preserved, otherwise a fresh KSUID is generated. The id
// is placed on the request context and echoed on the response.
func (s *Server) cidMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(cidpkg.HeaderName)
		if id == "" {
			id = ksuid.New().String()
		}
		c.Request = c.Request.WithContext(cidpkg.WithCID(c.Request.Context(), id))
		c.Header(cidpkg.HeaderName, id)
		c.Next()
	}
}

// otelMiddleware opens a span per HTTP request and attaches the correlation id.
func (s *Server) otelMiddleware() gin.HandlerFunc {
	tracer := otel.Tracer("pttrelay/server")
	return func(c *gin.Context) {
		ctx, span := tracer.Start(c.Request.Context(), c.Request.Method+" "+c.FullPath(),
			trace.WithSpanKind(trace.SpanKindServer))
		if id := cidpkg.CIDFromContext(ctx); id != "" {
			span.SetAttributes(attribute.String(cidpkg.AttributeName, id))
		}
		c.Request = c.Request.WithContext(ctx)
		c.Next()
		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		span.End()
	}
}

func (s *Server) routes() *gin.Engine {
	r := gin.Default()
	r.Use(s.cidMiddleware())
	r.Use(s.otelMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"service": "ptt-relay",
		})
	})

	r.GET("/api", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "PTT Relay Server",
			"version": "0.1.0",
		})
	})

	r.GET("/api/stats", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.stateManager.Stats())
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Stored voice messages are short-lived; never let clients cache them.
	uploads := r.Group(protocol.UploadsPrefix)
	uploads.Use(func(c *gin.Context) {
		c.Header("Cache-Control", "no-store")
		c.Next()
	})
	uploads.Static("/", s.blobs.Dir())

	r.POST(protocol.UploadPath, s.handleUpload)
	r.POST(protocol.ComplaintPath, s.handleComplaint)

	r.GET("/ws", s.handleWebSocket)

	return r
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("Failed to load config: ", err)
	}

	if err := otelutil.Init(); err != nil {
		log.Printf("Tracing disabled: %v", err)
	}
	defer otelutil.Flush()

	srv, err := newServer(cfg)
	if err != nil {
		log.Fatal("Failed to initialize server: ", err)
	}

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: srv.routes(),
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")

		// Give active connections 30 seconds to finish
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			log.Printf("Server forced to shutdown: %v", err)
		} else {
			log.Println("Server shutdown complete")
		}
	}()

	log.Printf("Starting PTT relay on :%d (radius %.1f km, Ctrl+C to stop)", cfg.Port, cfg.RadiusKm)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal("Failed to start server: ", err)
	}
}
