// Package render implements the human/JSON presentation half of C10:
// table printing for a parttable.Table and directory listings from
// pkg/littlefs, using github.com/jedib0t/go-pretty/v6 for table layout
// instead of bare text/tabwriter.
package render

import (
	"encoding/json"
	"io"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/dustin/go-humanize"

	"github.com/glenn20/esp32part/pkg/littlefs"
	"github.com/glenn20/esp32part/pkg/parttable"
)

// Table writes t as a human-readable table to w.
func Table(w io.Writer, t *parttable.Table) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"#", "Name", "Type", "Subtype", "Offset", "Size"})
	for i, r := range t.Records {
		tw.AppendRow(table.Row{
			i,
			r.Name,
			r.Type.String(),
			parttable.SubtypeName(r.Type, r.Subtype),
			formatHex(uint64(r.Offset)),
			humanize.Bytes(uint64(r.Size)),
		})
	}
	tw.AppendFooter(table.Row{"", "", "", "", "flash size", humanize.Bytes(t.FlashSize)})
	tw.Render()
}

// tableRow mirrors Record for JSON: exported field names, with offset and
// size as plain JSON numbers (no custom number formatter).
type tableRow struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Subtype string `json:"subtype"`
	Offset  uint32 `json:"offset"`
	Size    uint32 `json:"size"`
}

// JSON writes t as JSON to w (the --json output mode).
func JSON(w io.Writer, t *parttable.Table) error {
	rows := make([]tableRow, len(t.Records))
	for i, r := range t.Records {
		rows[i] = tableRow{
			Name:    r.Name,
			Type:    r.Type.String(),
			Subtype: parttable.SubtypeName(r.Type, r.Subtype),
			Offset:  r.Offset,
			Size:    r.Size,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		FlashSize uint64    `json:"flash_size"`
		Records   []tableRow `json:"records"`
	}{FlashSize: t.FlashSize, Records: rows})
}

// Ls writes the result of a VFS.Ls call as a table, one section per path.
func Ls(w io.Writer, entries map[string][]littlefs.Info) {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		tw := table.NewWriter()
		tw.SetOutputMirror(w)
		tw.SetTitle(p)
		tw.AppendHeader(table.Row{"Name", "Size", "Dir"})
		for _, info := range entries[p] {
			tw.AppendRow(table.Row{info.Name, humanize.Bytes(uint64(info.Size)), info.IsDir})
		}
		tw.Render()
	}
}

// Df writes a VFS.Df report as a table.
func Df(w io.Writer, reports []littlefs.DF) {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.AppendHeader(table.Row{"Partition", "Used", "Total", "Block size"})
	for _, r := range reports {
		tw.AppendRow(table.Row{
			r.Partition,
			humanize.Bytes(uint64(r.UsedBlocks) * uint64(r.BlockSize)),
			humanize.Bytes(uint64(r.TotalBlocks) * uint64(r.BlockSize)),
			humanize.Bytes(uint64(r.BlockSize)),
		})
	}
	tw.Render()
}

func formatHex(n uint64) string {
	const hextable = "0123456789abcdef"
	if n == 0 {
		return "0x0"
	}
	var buf [18]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = hextable[n%16]
		n /= 16
	}
	return "0x" + string(buf[i:])
}
