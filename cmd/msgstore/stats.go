package main

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/afero"
	"go.gazette.dev/msgstore/disk"
	mbp "go.gazette.dev/msgstore/mainboilerplate"
	"go.gazette.dev/msgstore/persist"
	pb "go.gazette.dev/msgstore/protocol"
	"gopkg.in/yaml.v2"
)

type cmdStats struct {
	Format string `long:"format" short:"o" default:"table" choice:"table" choice:"yaml" description:"Output format"`
}

func init() {
	commands.AddCommand("", "stats", "Print statistics of store images and log", `
Print the generation images held by the --disk.url and, if --persist.path
is set, a summary of the transactions of its persistence log.

The store need not be running. A torn trailing frame of the log is
truncated, as it would be by a starting store.
`, &cmdStats{})
}

// diskSummary is the YAML document of the stats command.
type diskSummary struct {
	URL         string           `yaml:"url"`
	UsedBytes   uint64           `yaml:"used_bytes"`
	UsagePct    int              `yaml:"usage_pct"`
	Generations []diskGeneration `yaml:"generations"`
	Streams     []logStream      `yaml:"streams,omitempty"`
}

type diskGeneration struct {
	ID   pb.GenID `yaml:"id"`
	Size uint64   `yaml:"size"`
}

type logStream struct {
	Stream     uint32 `yaml:"stream"`
	Records    int    `yaml:"records"`
	Operations int    `yaml:"operations"`
	LastSeq    uint64 `yaml:"last_seq"`
	Completed  bool   `yaml:"completed"`
}

func (cmd *cmdStats) Execute([]string) error {
	mbp.InitLog(Config.Log)

	var ep, err = url.Parse(Config.Disk.URL)
	if err != nil {
		return err
	}
	d, err := disk.New(ep)
	if err != nil {
		return err
	}
	defer d.Close()

	var summary = diskSummary{URL: Config.Disk.URL}
	ids, err := d.ListGenerations(context.Background())
	if err != nil {
		return err
	}
	for _, id := range ids {
		var size, err = d.GenerationSize(id)
		if err != nil {
			return err
		}
		summary.Generations = append(summary.Generations, diskGeneration{ID: id, Size: size})
	}
	var ds = d.Statistics()
	summary.UsedBytes, summary.UsagePct = ds.UsedBytes, ds.UsagePct

	if Config.Persist.Path != "" {
		if summary.Streams, err = summarizeLog(afero.NewOsFs(), Config.Persist.Path); err != nil {
			return err
		}
	}

	if cmd.Format == "yaml" {
		var b, err = yaml.Marshal(summary)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(b)
		return err
	}
	summary.writeTable(os.Stdout)
	return nil
}

// summarizeLog replays the persistence log at |path|, summarizing the
// transactions of each stream.
func summarizeLog(fs afero.Fs, path string) ([]logStream, error) {
	var l, err = persist.NewLog(fs, path)
	if err != nil {
		return nil, err
	}
	defer l.Close()

	var streams = make(map[uint32]*logStream)
	if err = l.Replay(0, func(rec persist.Record) error {
		var s, ok = streams[rec.Stream]
		if !ok {
			s = &logStream{Stream: rec.Stream}
			streams[rec.Stream] = s
		}
		if rec.Complete {
			s.Completed = true
			return nil
		}
		s.Records++
		s.Operations += len(rec.Ops)
		if rec.Seq > s.LastSeq {
			s.LastSeq = rec.Seq
		}
		return nil
	}); err != nil {
		return nil, err
	}

	var out = make([]logStream, 0, len(streams))
	for _, s := range streams {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Stream < out[j].Stream })
	return out, nil
}

func (s diskSummary) writeTable(w io.Writer) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Generation", "Size"})
	for _, g := range s.Generations {
		table.Append([]string{g.ID.String(), humanize.IBytes(g.Size)})
	}
	table.Render()

	fmt.Fprintf(w, "%d generations using %s (%d%% of capacity) at %s\n",
		len(s.Generations), humanize.IBytes(s.UsedBytes), s.UsagePct, s.URL)

	if len(s.Streams) == 0 {
		return
	}
	table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Stream", "Transactions", "Operations", "Last Seq", "Completed"})
	for _, st := range s.Streams {
		table.Append([]string{
			fmt.Sprint(st.Stream),
			humanize.Comma(int64(st.Records)),
			humanize.Comma(int64(st.Operations)),
			fmt.Sprint(st.LastSeq),
			fmt.Sprint(st.Completed),
		})
	}
	table.Render()
}
