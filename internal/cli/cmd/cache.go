package cmd

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cacheCmd = &cobra.Command{
		Use:   "cache {list | clean | path} ...",
		Short: "Inspect and prune the artifact cache",
	}

	cacheListCmd = &cobra.Command{
		Use:   "list",
		Short: "List materialized bundles",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := makeApp()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			cache := app.Cache()
			entries := cache.Entries()
			if len(entries) == 0 {
				fmt.Println("cache is empty")
				return nil
			}

			tw := tabwriter.NewWriter(os.Stdout, 2, 8, 2, ' ', 0)
			fmt.Fprintln(tw, "KEY\tSIZE\tLAST USED")
			for _, e := range entries {
				size := dirSize(filepath.Join(cache.Root(), e.Key))
				fmt.Fprintf(tw, "%s\t%s\t%s\n",
					e.Key, humanize.IBytes(uint64(size)), humanize.Time(e.LastUsed))
			}
			return tw.Flush()
		},
	}

	cacheCleanCmd = &cobra.Command{
		Use:   "clean [key...]",
		Short: "Drop cached bundles, all of them by default",
		RunE: func(_ *cobra.Command, args []string) error {
			app, err := makeApp()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			cache := app.Cache()
			if len(args) == 0 {
				if err := cache.RemoveAll(); err != nil {
					return err
				}
				app.Logger().Info("Dropped every cache entry",
					zap.String("root", cache.Root()))
				return nil
			}
			for _, key := range args {
				if err := cache.Remove(key); err != nil {
					return err
				}
				app.Logger().Info("Dropped cache entry", zap.String("key", key))
			}
			return nil
		},
	}

	cachePathCmd = &cobra.Command{
		Use:   "path",
		Short: "Print the cache root directory",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			app, err := makeApp()
			if err != nil {
				return err
			}
			defer app.Shutdown()

			fmt.Println(app.Cache().Root())
			return nil
		},
	}
)

func init() {
	cacheCmd.AddCommand(cacheListCmd)
	cacheCmd.AddCommand(cacheCleanCmd)
	cacheCmd.AddCommand(cachePathCmd)
	rootCmd.AddCommand(cacheCmd)
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || !d.Type().IsRegular() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
