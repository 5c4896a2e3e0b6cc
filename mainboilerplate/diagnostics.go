// Package mainboilerplate contains shared boilerplate of msgstore programs:
// configuration parsing, logging, and diagnostics. Its functions are
// narrowly scoped so that programs may pick and choose among them.
package mainboilerplate

import (
	_ "expvar" // Import for /debug/vars
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Import for /debug/pprof
	"os"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// DiagnosticsConfig configures pull-based application metrics, debugging and diagnostics.
type DiagnosticsConfig struct {
	Port string `long:"port" env:"PORT" default:"" description:"Port serving /debug/ metrics and diagnostics. Diagnostics are not served if empty"`
}

// readiness is the func() error checked by /debug/ready.
var readiness atomic.Value

// SetReadiness installs |fn| as the check of /debug/ready, which fails with
// the error returned by |fn|. Until a check is set, the process is ready.
func SetReadiness(fn func() error) { readiness.Store(fn) }

// InitDiagnosticsAndRecover enables serving of metrics and debugging services
// registered on the default HTTPMux. It returns a closure which should be
// deferred, which recovers a panic and attempts to log a K8s termination message.
func InitDiagnosticsAndRecover(cfg DiagnosticsConfig) func() {
	// Package "net/http/pprof" serves /debug/pprof/.
	// Package "expvar" serves /debug/vars

	// Serve a readiness check at /debug/ready.
	http.HandleFunc("/debug/ready", serveReady)
	// Serve Prometheus metrics at /debug/metrics.
	http.Handle("/debug/metrics", promhttp.Handler())

	if cfg.Port != "" {
		var ln, err = net.Listen("tcp", ":"+cfg.Port)
		Must(err, "failed to bind diagnostics port", "port", cfg.Port)

		log.WithField("addr", ln.Addr().String()).Info("serving diagnostics")
		go func() {
			if err := http.Serve(ln, nil); err != nil {
				log.WithField("err", err).Warn("diagnostics server stopped")
			}
		}()
	}

	return func() {
		if r := recover(); r != nil {
			// Make a best effort attempt to write a termination message.
			// Bug: https://github.com/kubernetes/kubernetes/issues/31839
			if f, err := os.OpenFile(k8sTerminationLog, os.O_WRONLY, 0777); err == nil {
				fmt.Fprintf(f, "%+v", r)
				f.Close()
			}
			panic(r)
		}
	}
}

func serveReady(w http.ResponseWriter, _ *http.Request) {
	if fn, ok := readiness.Load().(func() error); ok {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
}

// Must panics if |err| is non-nil, supplying |msg| and |extra| as
// formatter and fields of the generated panic.
func Must(err error, msg string, extra ...interface{}) {
	if err == nil {
		return
	}
	var f = log.Fields{"err": err}
	for i := 0; i+1 < len(extra); i += 2 {
		f[extra[i].(string)] = extra[i+1]
	}
	log.WithFields(f).Panic(msg)
}

const (
	// k8sTerminationLog is the location to write a termination message for
	// Kubernetes to retrieve.
	//
	// Link: https://kubernetes.io/docs/tasks/debug-application-cluster/determine-reason-pod-failure/#setting-the-termination-log-file
	k8sTerminationLog = "/dev/termination-log"
)
