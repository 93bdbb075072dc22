package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/shenjiangwei/kalloc/stats"
	"github.com/spf13/cobra"
)

var zonesCollect bool

var zonesCmd = &cobra.Command{
	Use:   "zones",
	Short: "Print the size classes and their zones",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a := allocator
		if zonesCollect {
			fmt.Printf("Collected %s from empty zone chunks\n", humanize.IBytes(a.Collect()))
		}
		fmt.Printf("Size classes up to %s, direct lookup below %d bytes, alignment %d\n",
			humanize.IBytes(a.Ceiling()), a.DLUTLimit(), a.Alignment())
		fmt.Printf("Large region %s (%#x-%#x), kernel map from %s\n\n",
			humanize.IBytes(a.LargeMap().Size()), a.LargeMap().Min(), a.LargeMap().Max(),
			humanize.IBytes(a.LargeRegionThreshold()))

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', tabwriter.AlignRight)
		fmt.Fprintln(w, strings.Join(stats.Columns, "\t")+"\t")
		for _, row := range stats.Table(a) {
			fmt.Fprintln(w, strings.Join(row.Fields(), "\t")+"\t")
		}
		return w.Flush()
	},
}

func init() {
	zonesCmd.Flags().BoolVar(&zonesCollect, "collect", false, "Return empty zone chunks to the kernel map first")
	rootCmd.AddCommand(zonesCmd)
}
