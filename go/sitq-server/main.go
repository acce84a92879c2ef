// sitq-server serves the queue's HTTP API over a local store file: task
// enqueueing, inspection, result retrieval, operator requeue, /metrics,
// and /healthz. It executes no tasks; run workers separately.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/sitq/sitq/go/codec"
	"github.com/sitq/sitq/go/queueapi"
	"github.com/sitq/sitq/go/store"
)

type config struct {
	Store struct {
		Path string `long:"path" default:"sitq.db" description:"Path of the task store file"`
	} `group:"Store" namespace:"store" env-namespace:"STORE"`

	API struct {
		Address string `long:"address" default:":8090" description:"Address to serve the HTTP API on"`
	} `group:"API" namespace:"api" env-namespace:"API"`

	Log struct {
		Level  string `long:"level" default:"info" choice:"trace" choice:"debug" choice:"info" choice:"warn" choice:"error" description:"Logging level"`
		Format string `long:"format" default:"text" choice:"text" choice:"json" description:"Logging format"`
	} `group:"Logging" namespace:"log" env-namespace:"LOG"`
}

func main() {
	var cfg config
	if _, err := flags.NewParser(&cfg, flags.Default).Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
	initLog(cfg)

	var st, err = store.Open(cfg.Store.Path)
	if err != nil {
		log.WithField("err", err).Fatal("failed to open task store")
	}
	defer st.Close()

	var srv = &http.Server{
		Addr:    cfg.API.Address,
		Handler: queueapi.NewServer(st, codec.NewJSON()),
	}

	var ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go func() {
		<-ctx.Done()
		var shutdownCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.WithField("err", err).Error("failed to shut down cleanly")
		}
	}()

	log.WithFields(log.Fields{
		"address": cfg.API.Address,
		"store":   cfg.Store.Path,
	}).Info("serving queue API")

	if err = srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithField("err", err).Fatal("server failed")
	}
	log.Info("server exited")
}

func initLog(cfg config) {
	if cfg.Log.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	}
	if level, err := log.ParseLevel(cfg.Log.Level); err == nil {
		log.SetLevel(level)
	}
}
