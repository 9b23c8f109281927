package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"example.com/reconciliation/internal/coherence"
	"example.com/reconciliation/internal/domain"
	"example.com/reconciliation/internal/importer"
	"example.com/reconciliation/internal/report"
	"example.com/reconciliation/internal/syncer"
)

// Service is what the commands need from reconciliation.Service.
type Service interface {
	StartImportJob(ctx context.Context, req importer.StartRequest) (*domain.ImportJob, error)
	GetImportJob(ctx context.Context, tenantID, jobID string) (*domain.ImportJob, error)
	RunCoherenceCheck(ctx context.Context, req coherence.CheckRequest) (*domain.CoherenceCheck, error)
	GetCoherenceIssues(ctx context.Context, tenantID string, filter domain.IssueFilter, cursor *domain.Cursor, limit int) ([]domain.CoherenceIssue, *domain.Cursor, error)
	Synchronize(ctx context.Context, req domain.SyncRequest) (*syncer.Result, error)
	GetPolicy(ctx context.Context, tenantID string) (domain.Policy, error)
	UpdatePolicy(ctx context.Context, p domain.Policy) (domain.Policy, error)
	Wait()
}

// Connector opens the service and returns a release function.
type Connector func(ctx context.Context) (Service, func(), error)

type cli struct {
	connect Connector
	out     io.Writer
	svc     Service
	release func()

	tenantID string
	now      func() time.Time
}

func newRootCmd(connect Connector, out io.Writer) *cobra.Command {
	c := &cli{connect: connect, out: out, now: time.Now}

	root := &cobra.Command{
		Use:           "reconctl",
		Short:         "Run presence/timesheet reconciliation operations",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if c.tenantID == "" {
				return errors.New("--tenant is required")
			}
			svc, release, err := c.connect(cmd.Context())
			if err != nil {
				return err
			}
			c.svc, c.release = svc, release
			return nil
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if c.release != nil {
				c.release()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.tenantID, "tenant", "t", "", "Tenant id every operation is scoped to")

	root.AddCommand(c.importCmd(), c.checkCmd(), c.syncCmd(), c.issuesCmd(), c.policyCmd())
	return root
}

// yesterday is the default range of scheduled imports and syncs.
func (c *cli) yesterday() string {
	return c.now().UTC().AddDate(0, 0, -1).Format(domain.DateLayout)
}

func (c *cli) importCmd() *cobra.Command {
	var (
		kind, from, to, trigger string
		employees               []string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Run an import job and wait for it to finish",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == "" {
				from = c.yesterday()
			}
			if to == "" {
				to = from
			}
			job, err := c.svc.StartImportJob(cmd.Context(), importer.StartRequest{
				TenantID:    c.tenantID,
				Kind:        domain.JobKind(kind),
				Trigger:     domain.JobTrigger(trigger),
				DateFrom:    from,
				DateTo:      to,
				EmployeeIDs: employees,
				RequestedBy: "reconctl",
			})
			if err != nil {
				return err
			}
			c.svc.Wait()
			job, err = c.svc.GetImportJob(cmd.Context(), c.tenantID, job.ID)
			if err != nil {
				return err
			}
			if err := c.print(job); err != nil {
				return err
			}
			if job.Status == domain.JobStatusFailed {
				return fmt.Errorf("import job %s failed", job.ID)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.JobKindPresenceToTimesheet), "presence_to_timesheet, prefill or break_conversion")
	cmd.Flags().StringVar(&trigger, "trigger", string(domain.TriggerScheduled), "Trigger recorded on the job")
	cmd.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD, default yesterday)")
	cmd.Flags().StringVar(&to, "to", "", "Last day (YYYY-MM-DD, default --from)")
	cmd.Flags().StringSliceVar(&employees, "employee", nil, "Restrict to employee ids")
	return cmd
}

func (c *cli) checkCmd() *cobra.Command {
	var (
		kind, from, to string
		employees      []string
		autoFix        bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run a coherence check to completion",
		RunE: func(cmd *cobra.Command, _ []string) error {
			check, err := c.svc.RunCoherenceCheck(cmd.Context(), coherence.CheckRequest{
				TenantID:    c.tenantID,
				Kind:        domain.CheckKind(kind),
				DateFrom:    from,
				DateTo:      to,
				EmployeeIDs: employees,
				AutoFix:     autoFix,
				RequestedBy: "reconctl",
			})
			if err != nil {
				return err
			}
			return c.print(check)
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(domain.CheckKindDaily), "daily, weekly, monthly or on_demand")
	cmd.Flags().StringVar(&from, "from", "", "First day; scheduled kinds compute their own range")
	cmd.Flags().StringVar(&to, "to", "", "Last day")
	cmd.Flags().StringSliceVar(&employees, "employee", nil, "Restrict to employee ids")
	cmd.Flags().BoolVar(&autoFix, "auto-fix", false, "Apply automated fixes to auto-fixable issues")
	return cmd
}

func (c *cli) syncCmd() *cobra.Command {
	var (
		direction, from, to string
		employees           []string
	)
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Synchronize presence and timesheets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if from == "" {
				from = c.yesterday()
			}
			if to == "" {
				to = from
			}
			result, err := c.svc.Synchronize(cmd.Context(), domain.SyncRequest{
				TenantID:    c.tenantID,
				Direction:   domain.SyncDirection(direction),
				DateFrom:    from,
				DateTo:      to,
				EmployeeIDs: employees,
				RequestedBy: "reconctl",
			})
			if err != nil {
				return err
			}
			return c.print(result)
		},
	}
	cmd.Flags().StringVar(&direction, "direction", string(domain.DirectionBidirectional), "presence_to_timesheet, timesheet_to_presence or bidirectional")
	cmd.Flags().StringVar(&from, "from", "", "First day (YYYY-MM-DD, default yesterday)")
	cmd.Flags().StringVar(&to, "to", "", "Last day (YYYY-MM-DD, default --from)")
	cmd.Flags().StringSliceVar(&employees, "employee", nil, "Restrict to employee ids")
	return cmd
}

func (c *cli) issuesCmd() *cobra.Command {
	var (
		out    string
		filter domain.IssueFilter
		kind   string
		status string
	)
	export := &cobra.Command{
		Use:   "export",
		Short: "Write coherence issues to an XLSX workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Type = domain.IssueType(kind)
			filter.Status = domain.IssueStatus(status)
			issues, err := report.CollectIssues(cmd.Context(), c.svc, c.tenantID, filter)
			if err != nil {
				return err
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			if err := report.WriteIssues(f, issues); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(c.out, "exported %d issues to %s\n", len(issues), out)
			return err
		},
	}
	export.Flags().StringVarP(&out, "out", "o", "coherence-issues.xlsx", "Output file")
	export.Flags().StringVar(&kind, "type", "", "Issue type")
	export.Flags().StringVar(&status, "status", "", "Issue status")
	export.Flags().StringVar(&filter.CheckID, "check", "", "Check id")
	export.Flags().StringVar(&filter.EmployeeID, "employee", "", "Employee id")
	export.Flags().StringVar(&filter.DateFrom, "from", "", "First day")
	export.Flags().StringVar(&filter.DateTo, "to", "", "Last day")

	cmd := &cobra.Command{Use: "issues", Short: "Coherence issue reports"}
	cmd.AddCommand(export)
	return cmd
}

func (c *cli) policyCmd() *cobra.Command {
	get := &cobra.Command{
		Use:   "get",
		Short: "Print the tenant policy as YAML",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.svc.GetPolicy(cmd.Context(), c.tenantID)
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(c.out)
			defer enc.Close()
			return enc.Encode(p)
		},
	}

	set := &cobra.Command{
		Use:   "set <file.yaml>",
		Short: "Merge a YAML file into the tenant policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			p, err := c.svc.GetPolicy(cmd.Context(), c.tenantID)
			if err != nil {
				return err
			}
			if err := yaml.Unmarshal(raw, &p); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			p.TenantID = c.tenantID
			saved, err := c.svc.UpdatePolicy(cmd.Context(), p)
			if err != nil {
				return err
			}
			return c.print(saved)
		},
	}

	cmd := &cobra.Command{Use: "policy", Short: "Show or change the tenant policy"}
	cmd.AddCommand(get, set)
	return cmd
}

func (c *cli) print(v any) error {
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
