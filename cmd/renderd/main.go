package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/local/vectorprint/internal/blobstore"
	cfgpkg "github.com/local/vectorprint/internal/config"
	"github.com/local/vectorprint/internal/kvlock"
	"github.com/local/vectorprint/internal/layout"
	logpkg "github.com/local/vectorprint/internal/logger"
	mpkg "github.com/local/vectorprint/internal/metrics"
	"github.com/local/vectorprint/internal/metastore"
	"github.com/local/vectorprint/internal/queue"
	"github.com/local/vectorprint/internal/quota"
	"github.com/local/vectorprint/internal/reaper"
	"github.com/local/vectorprint/internal/scheduler"
	"github.com/local/vectorprint/internal/svgconvert"
)

func main() {
	_ = godotenv.Load()

	cfg := cfgpkg.FromEnv()

	_ = logpkg.Init(logpkg.Options{
		Level:        cfg.Logging.Level,
		Pretty:       cfg.Logging.Pretty,
		File:         cfg.Logging.File,
		MaxSizeMB:    cfg.Logging.MaxSizeMB,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAgeDays:   cfg.Logging.MaxAgeDays,
		Compress:     cfg.Logging.Compress,
		SendToAxiom:  cfg.Axiom.Send && cfg.Axiom.APIKey != "",
		AxiomAPIKey:  cfg.Axiom.APIKey,
		AxiomOrgID:   cfg.Axiom.OrgID,
		AxiomDataset: cfg.Axiom.Dataset,
		AxiomFlush:   cfg.Axiom.FlushInterval,
	})
	defer logpkg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Mongo
	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.Storage.MongoURI))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to mongo")
	}
	defer func() { _ = mongoClient.Disconnect(context.Background()) }()
	db := mongoClient.Database(cfg.Storage.MongoDB)

	jobs := metastore.NewJobRepo(db)
	access := metastore.NewAccessRepo(db)
	docs := metastore.NewDocumentRepo(db)

	// Redis (shared by the render lock, quota engine, and render queue)
	rdb := redis.NewClient(mustParseRedisURL(cfg.Redis.URL))
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Msg("failed to connect to redis")
	}
	defer func() { _ = rdb.Close() }()

	rq, err := queue.NewRedisQueue(cfg.Redis.URL, cfg.Redis.Stream, cfg.Redis.Group, cfg.Redis.PollInterval)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init render queue")
	}
	defer rq.Close()

	// Blob store
	blobs, err := blobstore.New(ctx, cfg.Storage.S3Bucket)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init blob store")
	}

	// SVG -> PDF converter
	svgConv := svgconvert.New(cfg.SVG.Binary, cfg.SVG.MaxConcurrent)
	if err := svgConv.CheckInstallation(); err != nil {
		log.Warn().Err(err).Msg("SVG converter binary not found - watermark rendering will fail for jobs that need it")
	}

	layoutEngine := layout.NewEngine(blobs, docs, svgConv)
	lock := kvlock.New(rdb)
	quotaEngine := quota.New(rdb, access, cfg.Quota.IdempotencyTTL)

	sched := scheduler.New(lock, jobs, rq, scheduler.NewLayoutEngine(layoutEngine), blobs, quotaEngine, scheduler.Config{
		LockTTL:          cfg.Render.LockTTL,
		MaxActiveJobs:    cfg.Render.MaxActiveJobs,
		BatchSize:        cfg.Render.BatchSize,
		BatchAttempts:    cfg.Render.BatchAttempts,
		BatchBackoffBase: cfg.Render.BatchBackoffBase,
		BackoffFactor:    2.0,
		MergeMaxMs:       cfg.Render.MergeMaxMs,
		FinalPDFTTL:      cfg.Render.FinalPDFTTL,
		MACSecret:        cfg.MACSecret,
	})

	reap := reaper.New(jobs, blobs, reaper.Config{
		Interval:     cfg.Reaper.Interval,
		StaleAfter:   cfg.Reaper.StaleMs,
		ArchiveAfter: cfg.Reaper.ArchiveAfter,
	})
	go reap.Run(ctx)

	// Page-task consumer loop: one job-step at a time per worker, matching
	// the teacher's single-goroutine dispatcher concurrency knob, scaled
	// out here via WORKER_CONCURRENCY parallel consumer goroutines instead
	// of a worker pool abstraction, since each step is already a single
	// blocking Dequeue/ProcessPageTask pair.
	consumerCount := concurrencyFromEnv()
	for i := 0; i < consumerCount; i++ {
		go runPageConsumer(ctx, rq, sched, fmt.Sprintf("renderd-%d", i))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		hctx, hcancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer hcancel()

		if err := rq.Ping(hctx); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false,"redis":"down"}`))
			return
		}
		if err := mongoClient.Ping(hctx, nil); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false,"mongo":"down"}`))
			return
		}
		s, d, dlq, err := rq.Depths(hctx)
		if err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ok":false,"redis":"error_depths"}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(fmt.Sprintf(
			`{"ok":true,"redis":"ok","mongo":"ok","stream_len":%d,"delayed_len":%d,"dlq_len":%d}`,
			s, d, dlq,
		)))
	})

	mpkg.Init()
	mux.Handle("/metrics", mpkg.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux}

	go func() {
		log.Info().Msgf("renderd HTTP server listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			dctx, dcancel := context.WithTimeout(context.Background(), 1*time.Second)
			s, d, dlq, err := rq.Depths(dctx)
			dcancel()
			if err == nil {
				mpkg.SetQueueDepth("stream", s)
				mpkg.SetQueueDepth("delayed", d)
				mpkg.SetQueueDepth("dlq", dlq)
			}
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel() // stop the reaper and page consumers
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	fmt.Println("renderd shutdown complete")
}

// runPageConsumer dequeues one PageTask at a time and drives it through
// the scheduler, acking only after ProcessPageTask returns so a crash
// mid-step leaves the task to be redelivered to another consumer.
func runPageConsumer(ctx context.Context, rq *queue.RedisQueue, sched *scheduler.Scheduler, consumerName string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgID, payload, err := rq.Dequeue(ctx, consumerName, 2*time.Second)
		if err != nil {
			log.Warn().Err(err).Str("consumer", consumerName).Msg("renderd: dequeue failed")
			continue
		}
		if payload == nil {
			continue
		}

		task, err := queue.DecodePageTask(payload)
		if err != nil {
			log.Warn().Err(err).Str("consumer", consumerName).Msg("renderd: malformed page task, dropping")
			continue
		}

		if err := sched.ProcessPageTask(ctx, task); err != nil {
			log.Warn().Err(err).Str("job_id", task.JobID).Int("start_page", task.StartPage).Int("end_page", task.EndPage).Msg("renderd: page task failed")
		}
		if err := rq.Ack(ctx, msgID); err != nil {
			log.Warn().Err(err).Str("consumer", consumerName).Msg("renderd: ack failed")
		}
	}
}

func concurrencyFromEnv() int {
	n := 4
	if v := os.Getenv("WORKER_CONCURRENCY"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
			n = 4
		}
	}
	return n
}

func mustParseRedisURL(url string) *redis.Options {
	opt, err := redis.ParseURL(url)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid REDIS_URL")
	}
	return opt
}
