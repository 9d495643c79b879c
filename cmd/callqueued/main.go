// Package main runs the call queue server: screening and main queues, two
// supervised broadcast slot feeds, and the operator/caller web API.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/edaniels/golog"
	"github.com/joho/godotenv"
	"go.mongodb.org/mongo-driver/mongo"
	mongooptions "go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/multierr"

	"github.com/liftover/callqueue"
	"github.com/liftover/callqueue/feed"
	"github.com/liftover/callqueue/queue"
	"github.com/liftover/callqueue/signal"
	"github.com/liftover/callqueue/store"
	"github.com/liftover/callqueue/web"
)

var logger = golog.Global().Named("callqueued")

func main() {
	callqueue.ContextualMain(mainWithArgs, logger)
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	// Optional .env, the way the original deployments were configured.
	if loadErr := godotenv.Load(); loadErr != nil && !os.IsNotExist(loadErr) {
		logger.Debugw("no .env loaded", "error", loadErr)
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)
	var (
		port        = fs.Int("port", envInt("PORT", 3000), "port to serve the API on")
		slot1URL    = fs.String("slot1-url", envOr("VMIX_SRT_SLOT1", "srt://localhost:9001?streamid=slot1"), "output URL for slot1")
		slot2URL    = fs.String("slot2-url", envOr("VMIX_SRT_SLOT2", "srt://localhost:9002?streamid=slot2"), "output URL for slot2")
		idleSource  = fs.String("idle-source", envOr("IDLE_SOURCE", "assets/idle.mp4"), "media file looped on unoccupied slots")
		programFeed = fs.String("program-feed-url", os.Getenv("PROGRAM_FEED_URL"), "program feed URL handed to waiting callers")
		mongoURI    = fs.String("mongodb-uri", os.Getenv("MONGODB_URI"), "optional MongoDB URI for snapshot persistence")
		debug       = fs.Bool("debug", os.Getenv("DEBUG") == "true", "log encoder output")
	)
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	encoder, err := feed.NewFFmpegEncoder(feed.FFmpegConfig{
		IdleSource: *idleSource,
		LogOutput:  *debug,
	}, logger)
	if err != nil {
		return err
	}
	if err := encoder.EnsureIdleSource(ctx); err != nil {
		return err
	}

	supervisor, err := feed.NewSupervisor(ctx, feed.Config{
		Slots: []feed.SlotConfig{
			{ID: "slot1", OutputURL: *slot1URL},
			{ID: "slot2", OutputURL: *slot2URL},
		},
	}, encoder, logger)
	if err != nil {
		return err
	}
	if err := supervisor.Start(ctx); err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, supervisor.Shutdown())
	}()
	if err := supervisor.WatchIdleSource(encoder.IdleSourcePath()); err != nil {
		logger.Errorw("not watching idle source", "error", err)
	}

	var orchOpts []queue.Option
	if *mongoURI != "" {
		snapshots, err := connectSnapshotStore(ctx, *mongoURI)
		if err != nil {
			return err
		}
		orchOpts = append(orchOpts, queue.WithSnapshotSink(snapshots))
		logger.Info("snapshot persistence enabled")
	}

	orch := queue.NewOrchestrator(ctx, supervisor.SlotIDs(), supervisor, logger, orchOpts...)
	defer orch.Close()
	if err := orch.ConsumeFeedEvents(supervisor.Events()); err != nil {
		return err
	}

	signaler := signal.NewSignaler(signal.Options{}, logger)
	server := web.NewServer(ctx, orch, signaler, web.Config{ProgramFeedURL: *programFeed}, logger)
	defer func() {
		err = multierr.Combine(err, server.Close())
	}()

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", *port))
	if err != nil {
		return err
	}
	serveErr := make(chan error, 1)
	callqueue.PanicCapturingGo(func() {
		serveErr <- server.Serve(listener)
	})
	logger.Infow("call queue server running", "addr", listener.Addr().String())

	select {
	case <-ctx.Done():
		return nil
	case err := <-serveErr:
		return err
	}
}

func connectSnapshotStore(ctx context.Context, uri string) (*store.MongoDBSnapshotStore, error) {
	client, err := callqueue.RetryNTimes(func() (*mongo.Client, error) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		return mongo.Connect(dialCtx, mongooptions.Client().ApplyURI(uri))
	}, 3)
	if err != nil {
		return nil, err
	}
	return store.NewMongoDBSnapshotStore(ctx, client)
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return parsed
}
