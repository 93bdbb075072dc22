package stats

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/shenjiangwei/kalloc/kalloc"
)

// Row is one line of the zone table
type Row struct {
	Name   string
	Elem   string
	Chunk  string
	InUse  uint64
	Free   uint64
	Cur    string
	Max    string
	Allocs uint64
}

// Columns are the headers matching Row
var Columns = []string{"ZONE", "ELEM", "CHUNK", "INUSE", "FREE", "CUR", "MAX", "ALLOCS"}

// Table returns one row per zone followed by a row for the large path
func Table(a *kalloc.Allocator) []Row {
	zones := a.Zones()
	rows := make([]Row, 0, len(zones)+1)
	for _, z := range zones {
		info := z.Info()
		rows = append(rows, Row{
			Name:   info.Name,
			Elem:   humanize.IBytes(info.ElemSize),
			Chunk:  humanize.IBytes(info.AllocSize),
			InUse:  info.CountInUse,
			Free:   info.FreeCount,
			Cur:    humanize.IBytes(info.CurSize),
			Max:    humanize.IBytes(info.MaxSize),
			Allocs: info.SumCount,
		})
	}

	large := a.FakeZoneInfo()
	rows = append(rows, Row{
		Name:  "kalloc.large",
		Elem:  humanize.IBytes(large.ElemSize),
		Chunk: humanize.IBytes(large.AllocSize),
		InUse: large.Count,
		Cur:   humanize.IBytes(large.CurSize),
		Max:   humanize.IBytes(large.MaxSize),
	})
	return rows
}

// Fields returns the row formatted for display
func (r Row) Fields() []string {
	return []string{
		r.Name, r.Elem, r.Chunk,
		fmt.Sprint(r.InUse), fmt.Sprint(r.Free),
		r.Cur, r.Max, fmt.Sprint(r.Allocs),
	}
}
