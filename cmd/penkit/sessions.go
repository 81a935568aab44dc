package main

import (
	"io"
	"os"
	"strconv"
	"time"

	"github.com/CZERTAINLY/Penkit/internal/model"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func sessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "list stored sessions",
		RunE: func(cmd *cobra.Command, _ []string) error {
			mgr, err := sessions()
			if err != nil {
				return err
			}
			list, err := mgr.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(list) == 0 {
				pterm.Info.Println("No sessions in " + mgr.Dir())
				return nil
			}
			data := pterm.TableData{{"Name", "Created", "Updated"}}
			for _, m := range list {
				data = append(data, []string{m.Name, m.CreatedAt.Format(time.DateTime), m.UpdatedAt.Format(time.DateTime)})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "create a new session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessions()
			if err != nil {
				return err
			}
			s, err := mgr.Create(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			pterm.Success.Println("Created session " + s.Name() + " in " + s.Dir())
			return s.Close()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete <name>",
		Short: "delete a session including all results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, err := sessions()
			if err != nil {
				return err
			}
			if err := mgr.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			pterm.Success.Println("Deleted session " + args[0])
			return nil
		},
	})

	var targetID int64
	show := &cobra.Command{
		Use:   "show <name>",
		Short: "show targets and findings of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var filter *int64
			if cmd.Flags().Changed("target") {
				filter = &targetID
			}
			return showSession(cmd, args[0], filter)
		},
	}
	show.Flags().Int64Var(&targetID, "target", 0, "show findings of this target only")
	cmd.AddCommand(show)

	var ext string
	note := &cobra.Command{
		Use:   "note <session> <name> [file]",
		Short: "store an artifact in a session, content is read from stdin when file is not given",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var content []byte
			var err error
			if len(args) == 3 {
				content, err = os.ReadFile(args[2])
			} else {
				content, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return err
			}
			mgr, err := sessions()
			if err != nil {
				return err
			}
			s, err := mgr.Open(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer func() {
				_ = s.Close()
			}()
			return s.SaveArtifact(args[1], string(content), ext)
		},
	}
	note.Flags().StringVar(&ext, "ext", "txt", "artifact file extension")
	cmd.AddCommand(note)

	return cmd
}

func showSession(cmd *cobra.Command, name string, targetID *int64) error {
	ctx := cmd.Context()
	mgr, err := sessions()
	if err != nil {
		return err
	}
	s, err := mgr.Open(ctx, name)
	if err != nil {
		return err
	}
	defer func() {
		_ = s.Close()
	}()

	targets, err := s.Targets(ctx)
	if err != nil {
		return err
	}
	names := make(map[int64]string, len(targets))
	pterm.DefaultSection.Println("Targets")
	data := pterm.TableData{{"ID", "Name", "IP", "Hostname", "OS", "Status"}}
	for _, t := range targets {
		names[t.ID] = t.Name
		data = append(data, []string{
			strconv.FormatInt(t.ID, 10),
			t.Name,
			model.Deref(t.IPAddress),
			model.Deref(t.Hostname),
			model.Deref(t.OS),
			model.Deref(t.Status),
		})
	}
	if err := pterm.DefaultTable.WithHasHeader().WithData(data).Render(); err != nil {
		return err
	}

	findings, err := s.Findings(ctx, targetID)
	if err != nil {
		return err
	}
	pterm.DefaultSection.Println("Findings")
	data = pterm.TableData{{"ID", "Target", "Severity", "Name", "Status", "Source"}}
	for _, f := range findings {
		data = append(data, []string{
			strconv.FormatInt(f.ID, 10),
			names[f.TargetID],
			colorSeverity(model.Severity(model.Deref(f.Severity))),
			f.Name,
			model.Deref(f.Status),
			model.Deref(f.Source),
		})
	}
	return pterm.DefaultTable.WithHasHeader().WithData(data).Render()
}
