package cmd

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailharvest/config"
	"github.com/dhcgn/mailharvest/filter"
	"github.com/dhcgn/mailharvest/model"
	"github.com/dhcgn/mailharvest/stats"
)

// Report categories, in print order.
const (
	reportFolder  = "Folder"
	reportSender  = "Sender"
	reportAddress = "Sender-Address"
	reportSubject = "Subject"
	reportKind    = "Kind"
)

var reportCategories = []string{reportFolder, reportSender, reportAddress, reportSubject, reportKind}

// sizer is implemented by folders that can report their size up front.
type sizer interface {
	Count(ctx context.Context) (int, error)
}

// NewStatsCmd scans the account without extracting anything and reports
// who sends what, and how often each keyword group would match.
func NewStatsCmd() *cobra.Command {
	var (
		reportDir string
		topN      int
	)

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Analyse the account's folders and show statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Account == "" {
				return fmt.Errorf("--account is required")
			}
			logger, cleanup, err := SetupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			f := filter.New(filter.Options{Groups: cfg.Keywords})

			src, err := OpenSource(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer src.Close()

			acc, err := src.Account(cmd.Context(), cfg.Account)
			if err != nil {
				return err
			}
			folders, err := acc.Folders(cmd.Context())
			if err != nil {
				return fmt.Errorf("list folders: %w", err)
			}

			counter := make(map[string]stats.Counter)
			for _, c := range reportCategories {
				counter[c] = stats.Counter{}
			}

			pterm.Info.Printf("Analyzing account: %s\n", acc.Address())

			messageCount := 0
			skippedCount := 0
			for _, folder := range folders {
				name := folder.Name()
				if excluded(cfg.ExcludeFolders, name) {
					continue
				}

				title := name
				if c, ok := folder.(sizer); ok {
					if n, err := c.Count(cmd.Context()); err == nil {
						title = fmt.Sprintf("%s (%d messages)", name, n)
					}
				}
				spinner, _ := pterm.DefaultSpinner.Start(title)
				err := folder.Walk(cmd.Context(), func(msg *model.Message) error {
					if !f.Matches(msg.Subject) {
						skippedCount++
						return nil
					}
					messageCount++
					counter[reportFolder].Add(name)
					counter[reportSender].Add(msg.Sender())
					counter[reportAddress].Add(msg.SenderAddress())
					counter[reportSubject].Add(msg.Subject)
					counter[reportKind].Add(msg.Kind.String())
					return nil
				})
				if spinner != nil {
					spinner.Success(title)
				}
				if err != nil {
					return fmt.Errorf("folder %s: %w", name, err)
				}
			}

			printStats(messageCount, skippedCount, f.Stats(), counter, topN)

			if err := saveCSVReports(counter, reportCategories, reportDir, 1000); err != nil {
				return fmt.Errorf("error saving CSV reports: %w", err)
			}

			fmt.Printf("\nReports saved to directory: %s\n", reportDir)
			return nil
		},
	}

	statsCmd.Flags().StringVar(&reportDir, "report-dir", ".", "Output directory for CSV reports")
	statsCmd.Flags().IntVarP(&topN, "top", "t", 10, "Number of top items to display in statistics")
	return statsCmd
}

func excluded(folders []string, name string) bool {
	for _, ex := range folders {
		if strings.EqualFold(strings.TrimSpace(ex), name) {
			return true
		}
	}
	return false
}

func printStats(messageCount, skippedCount int, filterStats filter.Stats, counter map[string]stats.Counter, topN int) {
	totalMessages := messageCount + skippedCount
	var filterPercent float64
	if totalMessages > 0 {
		filterPercent = float64(skippedCount) / float64(totalMessages) * 100
	}
	fmt.Printf("Processed %d messages (skipped %d by filters, %.2f%%)...\n\n", messageCount, skippedCount, filterPercent)

	if len(filterStats.Groups) > 0 {
		fmt.Println("Keyword groups:")
		printFilterHits(filterStats.Groups, filterStats.Hits)
		fmt.Println()
		fmt.Println("---")
		fmt.Println()
	}

	for _, category := range reportCategories {
		fmt.Printf("Top %d %s:\n", topN, category)
		stats.PrettyPrintTop(counter[category], topN)
		fmt.Println()
	}
}

func saveCSVReports(counter map[string]stats.Counter, categories []string, dir string, limit int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for _, category := range categories {
		filename := fmt.Sprintf("report_%s.csv", normalizeReportName(category))
		if err := writeCSVReport(filepath.Join(dir, filename), counter[category].Top(limit)); err != nil {
			return err
		}
	}

	return nil
}

func writeCSVReport(path string, pairs []stats.Pair) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Value", "Count"}); err != nil {
		return err
	}
	for _, p := range pairs {
		if err := writer.Write([]string{p.Key, strconv.Itoa(p.Value)}); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

func normalizeReportName(name string) string {
	name = strings.ToLower(name)
	name = strings.ReplaceAll(name, "-", "_")
	name = strings.ReplaceAll(name, " ", "_")
	return name
}

func printFilterHits(groups []string, hits map[string]int) {
	type pair struct {
		Group string
		Count int
	}
	pairs := make([]pair, 0, len(groups))
	for _, group := range groups {
		pairs = append(pairs, pair{group, hits[group]})
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Group < pairs[j].Group
	})

	for _, p := range pairs {
		if p.Count > 0 {
			fmt.Printf("  ✓ %s: %d hits\n", p.Group, p.Count)
		} else {
			fmt.Printf("  ✗ %s: 0 hits\n", p.Group)
		}
	}
}
