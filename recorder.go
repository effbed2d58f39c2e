package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/apex/log"

	"github.com/jnesss/xpc-recorder/capture"
	"github.com/jnesss/xpc-recorder/config"
	"github.com/jnesss/xpc-recorder/database"
	"github.com/jnesss/xpc-recorder/sigma"
	"github.com/jnesss/xpc-recorder/web"
)

// recorder owns the outputs of a capture session.
type recorder struct {
	sinks    capture.MultiSink
	db       *database.DB
	detector *sigma.Detector
	closers  []func() error
}

// openStore opens the event database and, when enabled, the rule detector.
func openStore(c *config.Config, detection bool) (*database.DB, *sigma.Detector, error) {
	db, err := database.NewDB(c.DataDir)
	if err != nil {
		return nil, nil, err
	}
	if err := chownToInvoker(c.DataDir); err != nil {
		log.WithError(err).Debug("data directory keeps root ownership")
	}
	if !detection {
		return db, nil, nil
	}
	det, err := sigma.NewDetector(c.RulesDir, db)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	return db, det, nil
}

// newRecorder builds the sink chain: the event stream, an optional console
// echo, the event store and the detector.
func newRecorder(c *config.Config, stdout io.Writer) (*recorder, error) {
	r := &recorder{}

	w := stdout
	toFile := c.Output.File != "" && c.Output.File != "-"
	if toFile {
		f, err := os.OpenFile(c.Output.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open output file: %v", err)
		}
		r.closers = append(r.closers, f.Close)
		w = f
	}

	switch strings.ToLower(c.Output.Format) {
	case config.FormatCBOR:
		r.sinks = append(r.sinks, capture.NewCBORSink(w))
	case config.FormatConsole:
		r.sinks = append(r.sinks, capture.NewConsoleSink(w, c.Output.Indent))
	default:
		r.sinks = append(r.sinks, capture.NewJSONLSink(w))
	}
	if toFile && c.Output.Console && c.Output.Format != config.FormatConsole {
		r.sinks = append(r.sinks, capture.NewConsoleSink(stdout, c.Output.Indent))
	}

	if c.Store {
		db, det, err := openStore(c, c.Detection)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.db, r.detector = db, det
		r.sinks = append(r.sinks, db)
		r.closers = append(r.closers, db.Close)
		if det != nil {
			r.sinks = append(r.sinks, det)
			r.closers = append(r.closers, det.Close)
		}
	}
	return r, nil
}

// serve starts the JSON API in the background when an address is set and
// events are stored.
func (r *recorder) serve(ctx context.Context, addr string) {
	if addr == "" || r.db == nil {
		return
	}
	srv := web.NewServer(r.db, r.detector, addr)
	go func() {
		if err := srv.Start(ctx); err != nil {
			log.WithError(err).Error("web server stopped")
		}
	}()
	log.Infof("Web API available at http://%s/api/events", addr)
}

// Close releases the outputs in reverse order of opening.
func (r *recorder) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			log.WithError(err).Warn("Warning: close failed")
		}
	}
}
