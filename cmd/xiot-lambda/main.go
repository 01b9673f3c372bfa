package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"github.com/xiot/watch/internal/app"
	"github.com/xiot/watch/internal/config"
	"github.com/xiot/watch/internal/lambdafn"
	"github.com/xiot/watch/internal/logging"
)

// One binary serves every function; XIOT_LAMBDA_MODE picks the event type
// and XIOT_LAMBDA_JOB the scheduled function.
func main() {
	cfg := config.FromEnv()
	cfg.Store = "dynamo"

	logger, err := logging.New(cfg.Env, "xiot-lambda")
	if err != nil {
		log.Fatalf("building logger: %v", err)
	}

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatalf("initializing app: %v", err)
	}

	h := &lambdafn.Handler{
		Router: a.Router,
		Jobs:   a.Scheduler,
		Job:    os.Getenv("XIOT_LAMBDA_JOB"),
		Logger: logger,
	}

	switch mode := os.Getenv("XIOT_LAMBDA_MODE"); mode {
	case "stream":
		lambda.Start(h.HandleStream)
	case "schedule":
		lambda.Start(h.HandleSchedule)
	default:
		logger.Fatalf("XIOT_LAMBDA_MODE must be stream or schedule, got %q", mode)
	}
}
