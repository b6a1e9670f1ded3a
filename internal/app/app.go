package app

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ecom-labs/fulfillment/internal/dal/postgres"
	"github.com/ecom-labs/fulfillment/internal/dal/rabbitmq"
	"github.com/ecom-labs/fulfillment/internal/dal/uow"
	"github.com/ecom-labs/fulfillment/internal/otel"
	"github.com/ecom-labs/fulfillment/internal/service/clients/inventory"
	"github.com/ecom-labs/fulfillment/internal/service/clients/payment"
	"github.com/ecom-labs/fulfillment/internal/service/services/ordersvc"
	httptransport "github.com/ecom-labs/fulfillment/internal/transport/http"
	expirerworker "github.com/ecom-labs/fulfillment/internal/worker/expirer"
	outboxworker "github.com/ecom-labs/fulfillment/internal/worker/outbox"
	"github.com/spf13/viper"
)

// App represents the application.
type App struct {
	orderSvc       *ordersvc.OrderService
	transport      *httptransport.HTTPTransport
	postgresClient *postgres.Client
	rabbitClient   *rabbitmq.Client
	outboxWorker   *outboxworker.Worker
	expirerWorker  *expirerworker.Worker
	otelController *otel.OtelController
}

// MustNewApp creates a new application.
func MustNewApp() *App {
	otelController := otel.MustInitOtel()
	postgresClient := postgres.MustNewClient()
	rabbitClient := rabbitmq.MustNewClient()

	publisher, err := rabbitmq.NewPublisher(rabbitClient, viper.GetString("rabbitmq.outbox.exchange"))
	if err != nil {
		panic(err)
	}

	stepTimeout := time.Duration(viper.GetInt("saga.step_timeout_seconds")) * time.Second
	if stepTimeout == 0 {
		stepTimeout = 5 * time.Second
	}

	inventoryRetries := viper.GetInt("collaborators.inventory.max_retries")
	if inventoryRetries == 0 {
		inventoryRetries = 3
	}

	inventoryClient := inventory.NewClient(
		viper.GetString("collaborators.inventory.base_url"),
		stepTimeout,
		uint64(inventoryRetries),
	)
	paymentClient := payment.NewClient(
		viper.GetString("collaborators.payment.base_url"),
		stepTimeout,
	)

	orderSvc := ordersvc.MustNewOrderService(
		ordersvc.WithPostgresClient(postgresClient),
		ordersvc.WithInventoryClient(inventoryClient),
		ordersvc.WithPaymentClient(paymentClient),
	)

	transport := httptransport.NewHTTPTransport(orderSvc)
	transport.RegisterRoutes()

	outboxWorker := outboxworker.NewWorker(
		uow.NewUnitOfWork(postgresClient).OutboxRepository(),
		publisher,
	)
	expirerWorker := expirerworker.NewWorker(postgresClient)

	return &App{
		orderSvc:       orderSvc,
		transport:      transport,
		postgresClient: postgresClient,
		rabbitClient:   rabbitClient,
		outboxWorker:   outboxWorker,
		expirerWorker:  expirerWorker,
		otelController: otelController,
	}
}

// Run starts the application.
// Tracks interrupt signal to gracefully shut down the application.
func (a *App) Run() {
	// Create a channel to receive OS signals
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	workerCtx, cancelWorkers := context.WithCancel(context.Background())

	go a.outboxWorker.Start(workerCtx)
	go a.expirerWorker.Start(workerCtx)

	go func() {
		slog.Info("Starting HTTP server")
		if err := a.transport.Run(); err != nil {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	<-stop
	slog.Info("Shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.transport.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	} else {
		slog.Info("HTTP server stopped gracefully")
	}

	cancelWorkers()

	if err := a.rabbitClient.Close(); err != nil {
		slog.Error("RabbitMQ connection close error", "error", err)
	} else {
		slog.Info("RabbitMQ connection closed gracefully")
	}

	a.postgresClient.Close()
	slog.Info("Database connection closed gracefully")

	if err := a.otelController.Shutdown(); err != nil {
		slog.Error("Trace provider shutdown error", "error", err)
	}

	slog.Info("Application shutdown complete")
}
