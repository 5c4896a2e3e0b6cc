package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/msgstore/mainboilerplate"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/store"
)

type cmdServe struct {
	StatsInterval time.Duration `long:"stats-interval" default:"1m" description:"Interval at which store statistics are logged"`
}

func init() {
	commands.AddCommand("", "serve", "Serve a store", `
Serve a store until signaled to exit (via SIGTERM or SIGINT).

Store statistics and generations are served as YAML at /debug/store, and
metrics at /debug/metrics, of the --debug.port.
`, &cmdServe{})
}

func (cmd *cmdServe) Execute([]string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)
	mbp.RegisterSignalHandlers()

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("starting msgstore")

	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGTERM, os.Interrupt)
	defer cancel()

	var e, err = startEngine(ctx)
	mbp.Must(err, "failed to start store")

	mbp.SetReadiness(func() error { return e.Status().Err() })
	e.RegisterEventCallback(func(ev pb.EventType) {
		log.WithField("event", ev).Warn("store event")
	})
	http.HandleFunc("/debug/store", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		if err := newReport(e).writeYAML(w); err != nil {
			log.WithField("err", err).Warn("failed to write store report")
		}
	})

	var ticker = time.NewTicker(cmd.StatsInterval)
	defer ticker.Stop()

	for done := false; !done; {
		select {
		case <-ticker.C:
			logStatistics(e)
		case <-ctx.Done():
			done = true
		}
	}
	log.Info("caught signal to exit")

	logStatistics(e)
	return e.Term()
}

func logStatistics(e *store.Engine) {
	var st = e.Statistics()
	log.WithFields(log.Fields{
		"status":      e.Status(),
		"generations": st.GenerationsCount,
		"active":      st.ActiveGenID,
		"streams":     st.StreamsCount,
		"memUsed":     humanize.IBytes(st.MemStats.MemoryTotalBytes - st.MemStats.MemoryFreeBytes),
		"memUsedPct":  st.MemStats.MemoryUsedPercent,
		"diskUsed":    humanize.IBytes(st.DiskUsedSpaceBytes),
	}).Info("store statistics")
}
