package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/CZERTAINLY/Penkit/internal/model"
	"github.com/CZERTAINLY/Penkit/internal/module"
	"github.com/CZERTAINLY/Penkit/internal/nmap"
	"github.com/CZERTAINLY/Penkit/internal/sqlmap"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newRegistry(ctx context.Context) *module.Registry {
	return module.NewRegistry(
		module.NewPortScanner(nmap.New(ctx, settings)),
		module.NewWebScanner(sqlmap.New(ctx, settings)),
	)
}

func modulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "list available modules",
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg := newRegistry(cmd.Context())
			data := pterm.TableData{{"Name", "Description"}}
			for _, name := range reg.Names() {
				m, err := reg.Get(name)
				if err != nil {
					return err
				}
				data = append(data, []string{name, m.Description()})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "options <module>",
		Short: "show options of a module",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := newRegistry(cmd.Context()).Get(args[0])
			if err != nil {
				return err
			}
			return printOptions(m)
		},
	})
	return cmd
}

type runFlags struct {
	options     []string
	concurrency int
	json        bool
	bom         string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run <module> [target...]",
		Short: "run a module against one or more targets",
		Long: `run configures a module with -o name=value options and runs it.
Each given target is scanned by its own copy of the module, at most
--concurrency scans run in parallel.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return doRun(cmd, args[0], args[1:], f)
		},
	}
	cmd.Flags().StringArrayVarP(&f.options, "option", "o", nil, "module option as name=value, can be repeated")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 4, "maximum number of parallel scans")
	cmd.Flags().BoolVar(&f.json, "json", false, "print module reports as JSON")
	cmd.Flags().StringVar(&f.bom, "bom", "", "write a CycloneDX BOM to this file, - for stdout")
	return cmd
}

// setOptions applies name=value pairs in the given order
func setOptions(m module.Module, opts []string) error {
	for _, o := range opts {
		name, value, ok := strings.Cut(o, "=")
		if !ok {
			return fmt.Errorf("%w: expected name=value, got %q", model.ErrInvalidOption, o)
		}
		if err := m.Set(strings.TrimSpace(name), value); err != nil {
			return err
		}
	}
	return nil
}

func doRun(cmd *cobra.Command, name string, targets []string, f runFlags) error {
	ctx := cmd.Context()
	m, err := newRegistry(ctx).Get(name)
	if err != nil {
		return err
	}
	if err := setOptions(m, f.options); err != nil {
		return err
	}

	out, err := newOutputs(ctx, f.bom)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	if len(targets) == 0 {
		spinner, _ := pterm.DefaultSpinner.Start("Running " + m.Name())
		o, err := m.Run(ctx)
		if err != nil {
			spinner.Fail(m.Name() + " failed")
			return err
		}
		spinner.Success(m.Name() + " finished")
		if err := report(ctx, out, m.Name(), o, f.json); err != nil {
			return err
		}
		return out.Close()
	}

	var errs []error
	for br := range module.RunBatch(ctx, m, targets, f.concurrency) {
		if br.Err != nil {
			pterm.Error.Printfln("%s: %s", br.Target, br.Err)
			errs = append(errs, br.Err)
			continue
		}
		pterm.Success.Printfln("%s: %s finished", br.Target, m.Name())
		if err := report(ctx, out, m.Name(), br.Output, f.json); err != nil {
			errs = append(errs, err)
		}
	}
	if err := ctx.Err(); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, out.Close())
	return errors.Join(errs...)
}

func report(ctx context.Context, out *outputs, name string, o module.Output, asJSON bool) error {
	if err := out.Save(ctx, name, o.Scan); err != nil {
		return err
	}
	if asJSON {
		return printJSON(o.Report)
	}
	if err := printScan(o.Scan); err != nil {
		return err
	}
	if wr, ok := o.Report.(module.WebReport); ok {
		return printMap("Type", wr.VulnerabilityTypes)
	}
	return nil
}
