// reconciler Lambda runs one reconciliation sweep per scheduled invocation.
package main

import (
	"context"
	"log/slog"
	"os"
	"sync"

	awslambda "github.com/aws/aws-lambda-go/lambda"

	intlambda "github.com/dwsmith1983/runguard/internal/lambda"
)

var (
	deps     *intlambda.Deps
	depsOnce sync.Once
	depsErr  error
)

func getDeps() (*intlambda.Deps, error) {
	depsOnce.Do(func() {
		deps, depsErr = intlambda.Init(context.Background())
	})
	return deps, depsErr
}

func handler(ctx context.Context) (intlambda.SweepResponse, error) {
	d, err := getDeps()
	if err != nil {
		return intlambda.SweepResponse{}, err
	}
	resp, err := intlambda.HandleSweep(ctx, d)
	if err != nil {
		d.Logger.Error("sweep failed", "error", err)
		return resp, err
	}
	d.Logger.Info("sweep complete",
		"scanned", resp.Scanned, "refreshed", resp.Refreshed, "settled", resp.Settled,
		"errors", resp.Errors, "skipped", resp.Skipped)
	return resp, nil
}

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	awslambda.Start(handler)
}
