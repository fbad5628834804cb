package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/bookenrich/am"
	"github.com/teranos/bookenrich/enrich"
	"github.com/teranos/bookenrich/errors"
	"github.com/teranos/bookenrich/logger"
	"github.com/teranos/bookenrich/normalize"
	"github.com/teranos/bookenrich/provider"
)

// LookupCmd resolves one book through the cache and the provider chain
var LookupCmd = &cobra.Command{
	Use:   "lookup <isbn | title>",
	Short: "Resolve a single book",
	Long: `Resolve one book the same way POST /enrich does. An ISBN-shaped argument
is an identity lookup; anything else is a title search.

Examples:
  bookenrich lookup 978-0-14-312774-1
  bookenrich lookup "The Martian" --author "Andy Weir"
  bookenrich lookup 0143127748 --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runLookup,
}

var (
	lookupAuthor  string
	lookupJSON    bool
	lookupTimeout time.Duration
	lookupDBPath  string
)

func init() {
	LookupCmd.Flags().StringVar(&lookupAuthor, "author", "", "Author for a title search")
	LookupCmd.Flags().BoolVarP(&lookupJSON, "json", "j", false, "Print the result as JSON")
	LookupCmd.Flags().DurationVar(&lookupTimeout, "timeout", 30*time.Second, "Overall deadline")
	LookupCmd.Flags().StringVar(&lookupDBPath, "db-path", "", "Custom database path (overrides config)")
}

// parseLookupQuery builds the query for the command line arguments
func parseLookupQuery(args []string, author string) (provider.Query, error) {
	text := strings.TrimSpace(strings.Join(args, " "))
	var q provider.Query
	if author == "" && normalize.IsISBNShaped(normalize.ISBN(text)) {
		q = provider.NewISBNQuery(text)
	} else {
		q = provider.NewSearchQuery(text, author)
	}
	if err := q.Validate(); err != nil {
		return provider.Query{}, err
	}
	return q, nil
}

func runLookup(cmd *cobra.Command, args []string) error {
	q, err := parseLookupQuery(args, lookupAuthor)
	if err != nil {
		return err
	}

	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load configuration")
	}
	a, err := openApp(cfg, lookupDBPath, logger.Logger)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), lookupTimeout)
	defer cancel()

	var spinner *pterm.SpinnerPrinter
	if !lookupJSON {
		spinner, _ = pterm.DefaultSpinner.Start("Resolving " + q.String())
	}
	result, err := a.orchestrator.Resolve(ctx, q)
	if spinner != nil {
		_ = spinner.Stop()
	}
	if err != nil {
		return errors.Wrapf(err, "lookup %s", q.String())
	}

	if lookupJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return errors.Wrap(err, "failed to encode result")
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	printResult(result)
	return nil
}

func printResult(r *enrich.Result) {
	if !r.Found {
		pterm.Warning.Println("Not found: " + r.Reason())
	} else {
		pterm.Success.Printf("Found via %s\n", r.Provider)
		pterm.Println()
		_ = pterm.DefaultTable.WithData(resultRows(r)).Render()
	}

	pterm.Println()
	checked := pterm.TableData{{"Provider", "Outcome", "Latency", "Error"}}
	for _, a := range r.ProvidersChecked {
		checked = append(checked, []string{a.Provider, string(a.Outcome), strconv.FormatInt(a.LatencyMS, 10) + "ms", a.Error})
	}
	_ = pterm.DefaultTable.WithHasHeader().WithData(checked).Render()
}

// resultRows flattens a found result into label/value rows
func resultRows(r *enrich.Result) pterm.TableData {
	var rows pterm.TableData
	add := func(label, value string) {
		if value != "" {
			rows = append(rows, []string{label, value})
		}
	}

	if r.Work != nil {
		add("Title", r.Work.Title)
		add("Subtitle", r.Work.Subtitle)
		add("First published", r.Work.FirstPublished)
		add("Language", r.Work.Language)
		add("Cover", r.Work.CoverURL)
	}
	names := make([]string, 0, len(r.Authors))
	for _, a := range r.Authors {
		names = append(names, a.Name)
	}
	add("Authors", strings.Join(names, ", "))
	for _, e := range r.Editions {
		add("Edition", strings.TrimSpace(fmt.Sprintf("%s %s %s (%s)", e.ISBN13, e.Publisher, e.PublishedDate, e.Provider)))
	}
	add("Quality", strconv.Itoa(r.QualityScore))
	add("Cached", strconv.FormatBool(r.Cached))
	return rows
}
