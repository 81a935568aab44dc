package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/nmap"
	"github.com/CZERTAINLY/Penkit/internal/sqlmap"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

type nmapFlags struct {
	profile string
	ports   string
	script  string
	timing  int
	timeout time.Duration
	xml     string
	json    bool
	bom     string
}

func nmapCmd() *cobra.Command {
	var f nmapFlags
	cmd := &cobra.Command{
		Use:   "nmap <target>",
		Short: "run an nmap scan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doNmap(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.profile, "profile", "quick", "scan profile: quick, comprehensive, service or script")
	cmd.Flags().StringVar(&f.ports, "ports", "", "ports to scan, e.g. 22,80,1-1024")
	cmd.Flags().StringVar(&f.script, "script", "", "NSE scripts to run")
	cmd.Flags().IntVar(&f.timing, "timing", 0, "timing template 0-5")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "scan timeout, 10m by default")
	cmd.Flags().StringVar(&f.xml, "xml", "", "store the nmap XML report to this file")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&f.bom, "bom", "", "write a CycloneDX BOM to this file, - for stdout")
	return cmd
}

func doNmap(cmd *cobra.Command, target string, f nmapFlags) error {
	ctx := cmd.Context()
	opts, err := nmap.Profile(f.profile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("ports") {
		opts.Ports = f.ports
	}
	if cmd.Flags().Changed("script") {
		opts.Script = f.script
	}
	if cmd.Flags().Changed("timing") {
		if f.timing < 0 || f.timing > 5 {
			return fmt.Errorf("%w: timing must be between 0 and 5", model.ErrInvalidOption)
		}
		opts.Timing = f.timing
	}
	opts.Timeout = f.timeout
	opts.OutputXML = f.xml

	out, err := newOutputs(ctx, f.bom)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	scanner := nmap.New(ctx, settings)
	if !scanner.Available() {
		return fmt.Errorf("%w: nmap is neither installed nor configured to run in a container", model.ErrConfiguration)
	}
	spinner, _ := pterm.DefaultSpinner.Start("Running nmap " + f.profile + " scan of " + target)
	sr, _, err := scanner.ScanResult(ctx, "nmap_"+f.profile, target, opts)
	if err != nil {
		spinner.Fail("nmap failed")
		return err
	}
	spinner.Success("nmap finished")

	if err := out.Save(ctx, nmap.Name, sr); err != nil {
		return err
	}
	if f.json {
		return printJSON(sr)
	}
	if err := printScan(sr); err != nil {
		return err
	}
	return out.Close()
}

type sqlmapFlags struct {
	profile string
	data    string
	cookie  string
	level   int
	risk    int
	forms   bool
	crawl   int
	threads int
	dbms    string
	timeout time.Duration
	json    bool
	bom     string
}

func sqlmapCmd() *cobra.Command {
	var f sqlmapFlags
	cmd := &cobra.Command{
		Use:   "sqlmap <url>",
		Short: "test a web application for SQL injection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doSQLMap(cmd, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.profile, "profile", "quick", "scan profile: quick or thorough")
	cmd.Flags().StringVar(&f.data, "data", "", "POST data")
	cmd.Flags().StringVar(&f.cookie, "cookie", "", "HTTP Cookie header value")
	cmd.Flags().IntVar(&f.level, "level", 0, "level of tests 1-5")
	cmd.Flags().IntVar(&f.risk, "risk", 0, "risk of tests 1-3")
	cmd.Flags().BoolVar(&f.forms, "forms", false, "parse and test forms")
	cmd.Flags().IntVar(&f.crawl, "crawl", 0, "crawl the site to this depth")
	cmd.Flags().IntVar(&f.threads, "threads", 0, "number of concurrent requests")
	cmd.Flags().StringVar(&f.dbms, "dbms", "", "force the back-end DBMS")
	cmd.Flags().DurationVar(&f.timeout, "timeout", 0, "scan timeout, 10m by default")
	cmd.Flags().BoolVar(&f.json, "json", false, "print the result as JSON")
	cmd.Flags().StringVar(&f.bom, "bom", "", "write a CycloneDX BOM to this file, - for stdout")
	return cmd
}

func (f sqlmapFlags) options(cmd *cobra.Command) (sqlmap.ScanOptions, error) {
	var overrides []sqlmap.Option
	set := func(name string, o sqlmap.Option) {
		if cmd.Flags().Changed(name) {
			overrides = append(overrides, o)
		}
	}
	set("data", sqlmap.WithData(f.data))
	set("cookie", sqlmap.WithCookie(f.cookie))
	set("level", sqlmap.WithLevel(f.level))
	set("risk", sqlmap.WithRisk(f.risk))
	set("forms", sqlmap.WithForms(f.forms))
	set("crawl", sqlmap.WithCrawl(f.crawl))
	set("threads", sqlmap.WithThreads(f.threads))
	set("dbms", sqlmap.WithDBMS(f.dbms))
	set("timeout", sqlmap.WithTimeout(f.timeout))

	switch f.profile {
	case "quick":
		// the quick profile is pinned to level 1 and risk 1
		return sqlmap.QuickOptions(overrides...), nil
	case "thorough":
		return sqlmap.ThoroughOptions(overrides...), nil
	default:
		return sqlmap.ScanOptions{}, fmt.Errorf("%w: unknown sqlmap profile %q", model.ErrInvalidOption, f.profile)
	}
}

func doSQLMap(cmd *cobra.Command, targetURL string, f sqlmapFlags) error {
	ctx := cmd.Context()
	opts, err := f.options(cmd)
	if err != nil {
		return err
	}

	out, err := newOutputs(ctx, f.bom)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	scanner := sqlmap.New(ctx, settings)
	if !scanner.Available() {
		return fmt.Errorf("%w: sqlmap is neither installed nor configured to run in a container", model.ErrConfiguration)
	}
	spinner, _ := pterm.DefaultSpinner.Start("Running sqlmap " + f.profile + " scan of " + targetURL)
	sr, res, err := scanner.ScanResult(ctx, "sqlmap_"+f.profile, targetURL, opts)
	if err != nil {
		spinner.Fail("sqlmap failed")
		return err
	}
	spinner.Success("sqlmap finished")

	if err := out.Save(ctx, sqlmap.Name, sr); err != nil {
		return err
	}
	if f.json {
		return printJSON(res)
	}
	if err := printVulnerabilities(sr.Vulnerabilities); err != nil {
		return err
	}
	if err := printMap("Type", sqlmap.VulnerabilitySummary(res)); err != nil {
		return err
	}
	return out.Close()
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
