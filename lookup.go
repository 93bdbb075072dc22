package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var lookupCmd = &cobra.Command{
	Use:   "lookup SIZE...",
	Short: "Show how sizes resolve to size classes",
	Long: `lookup prints, for each size, the size class serving it, whether the
direct lookup table or the search resolved it, and how many compares that
took. Sizes accept humanized forms such as 6KiB.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a := allocator
		for _, arg := range args {
			size, err := humanize.ParseBytes(arg)
			if err != nil {
				return err
			}
			class, compares, ok := a.LookupCost(size)
			switch {
			case !ok && size >= a.LargeRegionThreshold():
				fmt.Printf("%d: large, kernel map\n", size)
			case !ok:
				fmt.Printf("%d: large, %s\n", size, a.LargeMap().Name())
			case size < a.DLUTLimit():
				fmt.Printf("%d: %s via lookup table, %d compare\n", size, class.Name, compares)
			default:
				fmt.Printf("%d: %s via search, %d compares\n", size, class.Name, compares)
			}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lookupCmd)
}
