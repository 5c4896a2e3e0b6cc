package main

import (
	"fmt"
	"io"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	pb "go.gazette.dev/msgstore/protocol"
	"go.gazette.dev/msgstore/store"
	"gopkg.in/yaml.v2"
)

// report is the YAML document of a store's Statistics and generations.
type report struct {
	Status      string          `yaml:"status"`
	Statistics  pb.Statistics   `yaml:"statistics"`
	Generations []generationRow `yaml:"generations"`
}

type generationRow struct {
	ID       pb.GenID `yaml:"id"`
	State    string   `yaml:"state"`
	Slot     int      `yaml:"slot"`
	DiskSize uint64   `yaml:"disk_size"`
	Records  uint64   `yaml:"records"`
	Deleted  uint64   `yaml:"deleted"`
	Live     uint32   `yaml:"live_granules"`
	Total    uint32   `yaml:"total_granules"`
}

func newReport(e *store.Engine) report {
	var r = report{
		Status:     e.Status().String(),
		Statistics: e.Statistics(),
	}
	for _, g := range e.Generations() {
		r.Generations = append(r.Generations, generationRow{
			ID:       g.ID,
			State:    g.State.String(),
			Slot:     g.Slot,
			DiskSize: g.DiskSize,
			Records:  g.Records,
			Deleted:  g.Deleted,
			Live:     g.LiveGranules,
			Total:    g.TotalGranules,
		})
	}
	return r
}

func (r report) writeYAML(w io.Writer) error {
	var b, err = yaml.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func (r report) writeTable(w io.Writer) {
	var st, ms = r.Statistics, r.Statistics.MemStats

	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Statistic", "Value"})

	for _, row := range [][]string{
		{"Status", r.Status},
		{"Generations", strconv.Itoa(int(st.GenerationsCount))},
		{"Active Generation", st.ActiveGenID.String()},
		{"Streams", strconv.Itoa(int(st.StreamsCount))},
		{"Memory Used", fmt.Sprintf("%s of %s (%d%%)",
			humanize.IBytes(ms.MemoryTotalBytes-ms.MemoryFreeBytes), humanize.IBytes(ms.MemoryTotalBytes), ms.MemoryUsedPercent)},
		{"Owners", fmt.Sprintf("%s of %s",
			humanize.IBytes(ms.Pool1RecordsUsedBytes), humanize.IBytes(ms.Pool1RecordsLimitBytes))},
		{"Queues", humanize.IBytes(ms.QueuesBytes)},
		{"Topics", humanize.IBytes(ms.TopicsBytes)},
		{"Subscriptions", humanize.IBytes(ms.SubscriptionsBytes)},
		{"Disk Used", humanize.IBytes(st.DiskUsedSpaceBytes)},
		{"Disk Usage", fmt.Sprintf("%d%%", st.StoreDiskUsagePct)},
	} {
		table.Append(row)
	}
	table.Render()

	writeGenerationsTable(w, r.Generations)
}

func writeGenerationsTable(w io.Writer, rows []generationRow) {
	var table = tablewriter.NewWriter(w)
	table.SetHeader([]string{"Generation", "State", "Slot", "Disk Size", "Records", "Deleted", "Live Granules"})

	for _, g := range rows {
		var slot = "<disk>"
		if g.Slot >= 0 {
			slot = strconv.Itoa(g.Slot)
		}
		var live = "<n/a>"
		if g.Total != 0 {
			live = fmt.Sprintf("%d / %d", g.Live, g.Total)
		}
		table.Append([]string{
			g.ID.String(),
			g.State,
			slot,
			humanize.IBytes(g.DiskSize),
			humanize.Comma(int64(g.Records)),
			humanize.Comma(int64(g.Deleted)),
			live,
		})
	}
	table.Render()
}
