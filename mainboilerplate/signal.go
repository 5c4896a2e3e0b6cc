package mainboilerplate

import (
	"io"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"

	log "github.com/sirupsen/logrus"
)

// RegisterSignalHandlers registers signal handlers for debugging.
//
// SIGQUIT
//   Dump a one-time heap and goroutine trace to stderr.
//
// SIGUSR2
//   Toggle debug log level.
func RegisterSignalHandlers() {
	var ch = make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGQUIT, syscall.SIGUSR2)

	go func() {
		var previous log.Level
		var tracing bool

		for sig := range ch {
			switch sig {
			case syscall.SIGQUIT:
				dump(os.Stderr)
			case syscall.SIGUSR2:
				if tracing {
					log.SetLevel(previous)
				} else {
					previous = log.GetLevel()
					log.SetLevel(log.DebugLevel)
				}
				tracing = !tracing
				log.WithField("level", log.GetLevel()).Info("toggled log level")
			}
		}
	}()
}

// dump writes the heap and goroutine trace to |w|.
func dump(w io.Writer) {
	_ = pprof.Lookup("heap").WriteTo(w, 1)
	_ = pprof.Lookup("goroutine").WriteTo(w, 1)
}
