package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"

	"coldsend/config"
	"coldsend/middleware"
	"coldsend/routes"
	"coldsend/store"
	"coldsend/utils"
	"coldsend/worker"
)

func main() {
	// Initialize logger
	logger := log.New(os.Stdout, "COLDSEND: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize error reporting
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	clock := utils.SystemClock()
	st := store.New(config.DB, clock)
	transport := buildTransport()

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Initialize and start the dispatcher
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dispatcher := worker.NewDispatcher(st, transport, clock, log.New(os.Stdout, "DISPATCH: ", log.LstdFlags))
	dispatcher.FromAddress = config.AppConfig.EmailFromAddress
	dispatcher.FromName = config.AppConfig.EmailFromName
	dispatcher.ReplyTo = config.AppConfig.EmailReplyTo
	dispatcher.PollInterval = config.AppConfig.WorkerPollInterval
	dispatcher.BatchSize = config.AppConfig.WorkerBatchSize
	dispatcher.MaxAttempts = config.AppConfig.MaxRetryAttempts
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Start(ctx)
		close(dispatcherDone)
	}()

	// Start the IMAP reply poller when webhooks are not available
	if config.AppConfig.ReplyMode == config.ReplyModeIMAP && config.AppConfig.IMAP.Host != "" {
		poller := worker.NewReplyPoller(st,
			log.New(os.Stdout, "REPLIES: ", log.LstdFlags),
			config.AppConfig.IMAP.Host,
			config.AppConfig.IMAP.Port,
			config.AppConfig.IMAP.Username,
			config.AppConfig.IMAP.Password)
		go poller.Start(ctx)
	}

	// Setup routes
	routes.SetupRoutes(app, config.DB, st, transport, dispatcher)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	go func() {
		logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
		if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Shut down cleanly: the dispatcher finishes its in-flight job and
	// rolls back anything uncommitted, releasing the row locks.
	<-ctx.Done()
	logger.Println("Shutting down...")
	if err := app.ShutdownWithTimeout(10 * time.Second); err != nil {
		logger.Printf("Server shutdown error: %v", err)
	}
	<-dispatcherDone
}

func buildTransport() utils.EmailTransport {
	switch config.AppConfig.EmailProvider {
	case config.ProviderPostmark:
		return utils.NewPostmarkTransport(config.AppConfig.PostmarkServerToken)
	default:
		return utils.NewSMTPTransport(
			config.AppConfig.SMTPHost,
			config.AppConfig.SMTPPort,
			config.AppConfig.SMTPUsername,
			config.AppConfig.SMTPPassword,
			config.AppConfig.EmailFromAddress,
		)
	}
}
