package mainboilerplate

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type testCmd struct {
	Name string `long:"name" default:"none"`
}

func (testCmd) Execute([]string) error { return nil }

func TestCommandRegistryBuildsTree(t *testing.T) {
	var cr = NewCommandRegistry()
	var parser = flags.NewParser(nil, flags.None)

	cr.AddCommand("bench.refs", "deep", "deep", "", &testCmd{})
	cr.AddCommand("", "bench", "bench", "", &testCmd{})
	cr.AddCommand("bench", "refs", "refs", "", &testCmd{})
	cr.AddCommand("", "serve", "serve", "", &testCmd{})

	require.NoError(t, cr.AddCommands("", parser.Command, true))

	var bench = parser.Find("bench")
	require.NotNil(t, bench)
	require.NotNil(t, parser.Find("serve"))
	require.NotNil(t, bench.Find("refs"))
	require.NotNil(t, bench.Find("refs").Find("deep"))

	// Non-recursive registration adds only the top level.
	parser = flags.NewParser(nil, flags.None)
	require.NoError(t, cr.AddCommands("", parser.Command, false))
	require.Nil(t, parser.Find("bench").Find("refs"))
}

func TestParseConfigFile(t *testing.T) {
	var dir = t.TempDir()
	var other = filepath.Join(dir, "other")
	require.NoError(t, os.Mkdir(other, 0750))
	require.NoError(t, os.WriteFile(filepath.Join(other, "test.ini"),
		[]byte("[Application Options]\nname = from-ini\nunknown = ignored\n"), 0640))

	var cfg testCmd
	var parser = flags.NewParser(&cfg, flags.None)

	var path, err = ParseConfigFile(parser, "test.ini", []string{dir, other})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(other, "test.ini"), path)
	require.Equal(t, "from-ini", cfg.Name)
	require.Equal(t, flags.None, parser.Options)

	// Explicit arguments override the INI file.
	_, err = parser.ParseArgs([]string{"--name", "from-args"})
	require.NoError(t, err)
	require.Equal(t, "from-args", cfg.Name)

	path, err = ParseConfigFile(parser, "missing.ini", []string{dir})
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestReadinessCheck(t *testing.T) {
	var check = func() int {
		var w = httptest.NewRecorder()
		serveReady(w, httptest.NewRequest("GET", "/debug/ready", nil))
		return w.Code
	}
	require.Equal(t, http.StatusOK, check())

	var err error
	SetReadiness(func() error { return err })
	require.Equal(t, http.StatusOK, check())

	err = errors.New("store is RESTORING")
	require.Equal(t, http.StatusServiceUnavailable, check())
}
