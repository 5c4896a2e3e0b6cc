package main

import (
	"context"
	"net/url"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/msgstore/disk"
	"go.gazette.dev/msgstore/ha"
	mbp "go.gazette.dev/msgstore/mainboilerplate"
	"go.gazette.dev/msgstore/persist"
	"go.gazette.dev/msgstore/store"
)

const iniFilename = "msgstore.ini"

// Config is the top-level configuration object of msgstore.
var Config = new(struct {
	Store store.Config `group:"Store" namespace:"store" env-namespace:"STORE"`

	Disk struct {
		URL string `long:"url" env:"URL" default:"mem://" description:"URL of the generation image store: file:///path or mem://, with optional ?codec=&retries=&workers=&capacity= arguments"`
	} `group:"Disk" namespace:"disk" env-namespace:"DISK"`

	Persist struct {
		Path string `long:"path" env:"PATH" description:"Path of the transaction persistence log. Transactions are not logged if empty"`
	} `group:"Persist" namespace:"persist" env-namespace:"PERSIST"`

	HA struct {
		Loopback bool   `long:"loopback" env:"LOOPBACK" description:"Replicate to an in-process loopback standby"`
		Node     string `long:"node" env:"NODE" description:"Name of the loopback standby node. Generated if not set"`
	} `group:"HA" namespace:"ha" env-namespace:"HA"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

// commands registers each sub-command of msgstore from its own file.
var commands = mbp.NewCommandRegistry()

// startEngine builds backends of the Config and starts an Engine over them.
// If the Engine recovered a prior store, its recovery is completed.
func startEngine(ctx context.Context) (*store.Engine, error) {
	var ep, err = url.Parse(Config.Disk.URL)
	if err != nil {
		return nil, err
	}
	var deps = store.Deps{Memory: store.NewHeapMemory()}

	if deps.Disk, err = disk.New(ep); err != nil {
		return nil, err
	}
	if Config.Persist.Path != "" {
		if deps.Persist, err = persist.NewLog(afero.NewOsFs(), Config.Persist.Path); err != nil {
			return nil, err
		}
	}
	if Config.HA.Loopback {
		deps.HA = ha.NewLoopback(Config.HA.Node)
	}

	e, err := store.New(Config.Store, deps)
	if err != nil {
		return nil, err
	} else if err = e.Start(ctx); err != nil {
		return nil, err
	}
	if e.Status() == store.StatusRecovery {
		if err = e.RecoveryCompleted(); err != nil {
			return nil, err
		}
	}
	log.WithFields(log.Fields{
		"status": e.Status(),
		"active": e.ActiveGenID(),
	}).Info("store started")

	return e, nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	parser.LongDescription = `msgstore runs and inspects a generational memory store of
broker messages, with generation images spilled to disk.

See --help pages of each sub-command for documentation and usage examples.
Optionally configure msgstore with a '` + iniFilename + `' file in the current
working directory, or with '~/.config/msgstore/` + iniFilename + `'. Use the
'print-config' sub-command to inspect the tool's current configuration.
`
	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.Must(commands.AddCommands("", parser.Command, true), "could not add sub-commands")
	mbp.MustParseConfig(parser, iniFilename)
}
