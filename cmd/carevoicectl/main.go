// Command carevoicectl is the clinician-side companion to the carevoice server.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ent0n29/carevoice/internal/memory"
	"github.com/ent0n29/carevoice/internal/protocol"
)

const defaultServer = "http://localhost:8080"

type rootOptions struct {
	Server string
	JSON   bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "carevoicectl",
		Short: "Inspect patients and watch check-in activity on a carevoice server",
		Long: `carevoicectl talks to a running carevoice server.

Examples:
  carevoicectl watch --clinician dr-7
  carevoicectl history --patient p-12 --limit 5
  carevoicectl assign --patient p-12 --clinician dr-7 --name "Ada Lovelace"`,
		SilenceUsage: true,
	}
	cmd.SetOut(out)

	server := os.Getenv("CAREVOICE_SERVER")
	if strings.TrimSpace(server) == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", server, "carevoice server address (env CAREVOICE_SERVER)")
	cmd.PersistentFlags().BoolVar(&opts.JSON, "json", false, "print raw JSON")

	cmd.AddCommand(newWatchCmd(opts))
	cmd.AddCommand(newHistoryCmd(opts))
	cmd.AddCommand(newAssignCmd(opts))
	cmd.AddCommand(newPatientsCmd(opts))
	cmd.AddCommand(newCheckInCmd(opts))
	return cmd
}

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var clinician string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream check-in and conversation activity for a clinician's patients",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts.Server)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(cmd.ErrOrStderr(), "watching activity for %s (ctrl-c to stop)\n", clinician)
			return client.watch(cmd.Context(), clinician, func(n protocol.Notification) {
				if opts.JSON {
					_ = json.NewEncoder(out).Encode(n)
					return
				}
				fmt.Fprintf(out, "%s  %-12s  patient=%s\n", n.OccurredAt.Local().Format(time.RFC3339), n.EventKind, n.PatientID)
			})
		},
	}
	cmd.Flags().StringVar(&clinician, "clinician", "", "clinician id")
	_ = cmd.MarkFlagRequired("clinician")
	return cmd
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		patient string
		limit   int
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List a patient's recent conversations, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts.Server)
			if err != nil {
				return err
			}
			records, err := client.history(cmd.Context(), patient, limit)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			printHistory(cmd.OutOrStdout(), records)
			return nil
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of conversations")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func newAssignCmd(opts *rootOptions) *cobra.Command {
	var patient memory.Patient
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a patient to a clinician",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts.Server)
			if err != nil {
				return err
			}
			saved, err := client.assign(cmd.Context(), patient)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), saved)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "patient %s assigned to %s\n", saved.ID, saved.ClinicianID)
			return nil
		},
	}
	cmd.Flags().StringVar(&patient.ID, "patient", "", "patient id")
	cmd.Flags().StringVar(&patient.ClinicianID, "clinician", "", "clinician id")
	cmd.Flags().StringVar(&patient.DisplayName, "name", "", "patient display name")
	_ = cmd.MarkFlagRequired("patient")
	_ = cmd.MarkFlagRequired("clinician")
	return cmd
}

func newPatientsCmd(opts *rootOptions) *cobra.Command {
	var clinician string
	cmd := &cobra.Command{
		Use:   "patients",
		Short: "List the patients assigned to a clinician",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts.Server)
			if err != nil {
				return err
			}
			patients, err := client.patients(cmd.Context(), clinician)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), patients)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tNAME")
			for _, p := range patients {
				fmt.Fprintf(tw, "%s\t%s\n", p.ID, p.DisplayName)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&clinician, "clinician", "", "clinician id")
	_ = cmd.MarkFlagRequired("clinician")
	return cmd
}

func newCheckInCmd(opts *rootOptions) *cobra.Command {
	var patient, note string
	cmd := &cobra.Command{
		Use:   "check-in",
		Short: "Record a manual check-in for a patient",
		RunE: func(cmd *cobra.Command, _ []string) error {
			client, err := newAPIClient(opts.Server)
			if err != nil {
				return err
			}
			ci, err := client.checkIn(cmd.Context(), patient, note)
			if err != nil {
				return err
			}
			if opts.JSON {
				return writeJSON(cmd.OutOrStdout(), ci)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "check-in %s recorded\n", ci.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&note, "note", "", "free-text note")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

func printHistory(w io.Writer, records []memory.ConversationRecord) {
	if len(records) == 0 {
		fmt.Fprintln(w, "no conversations recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CREATED\tDURATION\tTURNS\tSUMMARY")
	for _, r := range records {
		summary := r.Summary
		if summary == "" {
			summary = "-"
		}
		if runes := []rune(summary); len(runes) > 60 {
			summary = string(runes[:60]) + "..."
		}
		fmt.Fprintf(tw, "%s\t%ds\t%d\t%s\n", r.CreatedAt.Local().Format("2006-01-02 15:04"), r.DurationSeconds, len(r.Transcript), summary)
	}
	_ = tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
