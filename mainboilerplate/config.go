package mainboilerplate

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/jessevdk/go-flags"
)

// ConfigPrefixes returns the directories searched for an INI file:
//   - The current working directory.
//   - ~/.config/msgstore (under the user's $HOME or %UserProfile% directory).
//   - $MSGSTORE_CONFIG_ROOT, if set.
func ConfigPrefixes() []string {
	var prefixes = []string{
		".",
		filepath.Join(os.Getenv("HOME"), ".config", "msgstore"),
		filepath.Join(os.Getenv("UserProfile"), ".config", "msgstore"),
	}
	if root := os.Getenv("MSGSTORE_CONFIG_ROOT"); root != "" {
		prefixes = append(prefixes, root)
	}
	return prefixes
}

// ParseConfigFile parses the first INI file named |configName| which is
// found under |prefixes| into the Parser. Options of the INI file which the
// Parser doesn't know are ignored. It returns the path which was parsed, or
// empty if no file was found.
func ParseConfigFile(parser *flags.Parser, configName string, prefixes []string) (string, error) {
	var origOptions = parser.Options
	parser.Options |= flags.IgnoreUnknown
	defer func() { parser.Options = origOptions }()

	var iniParser = flags.NewIniParser(parser)

	for _, prefix := range prefixes {
		var path = filepath.Join(prefix, configName)

		if err := iniParser.ParseFile(path); err == nil {
			return path, nil
		} else if os.IsNotExist(err) {
			// Pass.
		} else {
			return "", err
		}
	}
	return "", nil
}

// MustParseConfig requires that the Parser parse from the combination of an
// optional INI file, configured environment bindings, and explicit flags.
// The INI file is searched for under ConfigPrefixes.
func MustParseConfig(parser *flags.Parser, configName string) {
	if _, err := ParseConfigFile(parser, configName, ConfigPrefixes()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	MustParseArgs(parser)
}

// MustParseArgs requires that Parser be able to ParseArgs without error.
func MustParseArgs(parser *flags.Parser) {
	var _, err = parser.ParseArgs(os.Args[1:])
	if err == nil {
		return
	}
	var flagErr, ok = err.(*flags.Error)
	if !ok {
		Must(err, "fatal error")
	}

	switch flagErr.Type {
	case flags.ErrDuplicatedFlag, flags.ErrTag, flags.ErrInvalidTag, flags.ErrShortNameTooLong, flags.ErrMarshal:
		// The configuration object itself is malformed.
		panic(err)
	case flags.ErrCommandRequired:
		// Follow go-flag's "Please specify one command of: ..." with full usage.
		os.Stderr.WriteString("\n")
		writeUsage(parser)
	case flags.ErrHelp:
		if parser.Options&flags.PrintErrors == 0 {
			writeUsage(parser)
		}
	default:
		// go-flags has already described the input error.
	}
	os.Exit(1)
}

func writeUsage(parser *flags.Parser) {
	parser.WriteHelp(os.Stderr)
	fmt.Fprintf(os.Stderr, "\nVersion %s, built at %s.\n", Version, BuildDate)
}

// AddPrintConfigCmd to the Parser. The "print-config" command helps users test
// whether their applications are correctly configured, by exporting all runtime
// configuration in INI format.
func AddPrintConfigCmd(parser *flags.Parser, configName string) {
	parser.AddCommand("print-config", "Print combined configuration and exit", `
print-config parses the combined configuration from `+configName+`, flags,
and environment variables, and then writes the configuration to stdout in INI format.
`, &printConfig{parser})
}

type printConfig struct {
	*flags.Parser `no-flag:"t"`
}

func (p printConfig) Execute([]string) error {
	var ini = flags.NewIniParser(p.Parser)
	ini.Write(os.Stdout, flags.IniIncludeComments|flags.IniCommentDefaults|flags.IniIncludeDefaults)
	return nil
}
