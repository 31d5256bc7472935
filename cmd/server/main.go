package main

import (
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agent-chat-relay/backend/api/handlers"
	"github.com/agent-chat-relay/backend/internal/agent"
	"github.com/agent-chat-relay/backend/internal/db"
	"github.com/agent-chat-relay/backend/internal/repository"
	"github.com/agent-chat-relay/backend/internal/router"
	"github.com/agent-chat-relay/backend/internal/ws"
)

func main() {
	// Get configuration from environment
	port := getEnv("PORT", "8080")
	dbPath := getEnv("DB_PATH", "data/chats.db")
	maxAttempts := getIntEnv("DELIVERY_MAX_ATTEMPTS", 3)
	retryBackoffMs := getIntEnv("DELIVERY_RETRY_BACKOFF_MS", 50)
	queueSize := getIntEnv("DELIVERY_QUEUE_SIZE", 64)

	// Ensure data directory exists
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		log.Fatalf("Failed to create database directory: %v", err)
	}

	// Initialize database
	database, err := db.InitDB(dbPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.CloseDB()

	// Initialize repository
	messageRepo := repository.NewMessageRepository(database)

	// Initialize WebSocket service (registry + router + connection handler)
	wsService := ws.NewService(messageRepo, nil, router.Config{
		MaxAttempts:  maxAttempts,
		RetryBackoff: time.Duration(retryBackoffMs) * time.Millisecond,
		QueueSize:    queueSize,
	})
	wsService.Start()
	defer wsService.Close()

	// Initialize agent worker
	responder := agent.NewMockResponder()
	worker := agent.NewWorker(messageRepo, wsService.Router(), responder)
	worker.Start()
	defer worker.Close()

	// Initialize handlers
	messageHandler := handlers.NewMessageHandler(messageRepo, wsService.Router(), worker)
	wsHandler := handlers.NewWebSocketHandler(wsService.Handler())

	// Initialize Gin router
	r := gin.Default()

	// Enable CORS for development
	r.Use(corsMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status": "ok",
		})
	})

	// API routes
	api := r.Group("/api")
	{
		messageHandler.RegisterRoutes(api)
	}

	// WebSocket routes
	wsGroup := r.Group("/ws")
	{
		wsHandler.RegisterRoutes(wsGroup)
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down server...")
		worker.Close()
		wsService.Close()
		db.CloseDB()
		os.Exit(0)
	}()

	// Start server
	log.Printf("Starting server on port %s", port)
	if err := r.Run(":" + port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}

// getEnv returns the value of an environment variable or a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns an integer environment variable or a default value.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// corsMiddleware returns a CORS middleware for development.
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
