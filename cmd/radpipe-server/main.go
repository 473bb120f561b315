package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehr/radpipe/internal/config"
	"github.com/ehr/radpipe/internal/domain/diagnostics"
	"github.com/ehr/radpipe/internal/platform/auth"
	"github.com/ehr/radpipe/internal/platform/hipaa"
	"github.com/ehr/radpipe/internal/platform/imaging"
)

// cliActor is the audit identity of operator commands.
const cliActor = "cli"

// operatorCtx runs CLI work as the admin operator.
func operatorCtx(ctx context.Context) context.Context {
	return auth.WithUser(ctx, cliActor, auth.RoleAdmin)
}

// Terminal seams, replaced in tests.
var (
	readPassword = term.ReadPassword
	isTerminal   = term.IsTerminal
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "radpipe-server",
		Short:        "Clinical imaging diagnostic pipeline server",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(seedCmd())
	root.AddCommand(userCmd())
	root.AddCommand(diagnoseCmd())
	root.AddCommand(studyCmd())
	return root
}

// withApp loads and validates config, builds the app and runs fn with it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	logger := newLogger(cfg.Env)
	for _, w := range cfg.Warnings() {
		logger.Warn().Msg(w)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func serveCmd() *cobra.Command {
	var skipMigrate bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the diagnostic API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				if !skipMigrate {
					n, err := a.migrate(ctx)
					if err != nil {
						return fmt.Errorf("migration failed: %w", err)
					}
					a.logger.Info().Int("applied", n).Msg("migrations up to date")
				}
				if err := a.seed(ctx); err != nil {
					return err
				}

				ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
				defer stop()
				if d := a.cfg.DemoShutdownAfter; d > 0 && a.cfg.IsDev() {
					a.logger.Warn().Dur("after", d).Msg("demo shutdown scheduled")
					timer := time.AfterFunc(d, stop)
					defer timer.Stop()
				}
				return a.serve(ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "Do not apply pending migrations on start")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				count, err := a.migrate(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return printMigrationStatus(ctx, cmd.OutOrStdout(), a)
			})
		},
	})
	return cmd
}

func printMigrationStatus(ctx context.Context, w io.Writer, a *app) error {
	statuses, err := a.migrator().Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
	return nil
}

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create the configured seed user if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return a.seed(ctx)
			})
		},
	}
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage API users",
	}

	var role string
	add := &cobra.Command{
		Use:   "add <username>",
		Short: "Create a user; the password is read from the terminal or stdin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := auth.ParseRole(role)
			if err != nil {
				return err
			}
			password, err := promptPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx = operatorCtx(ctx)
				u, err := a.users.CreateUser(ctx, args[0], password, r)
				status := hipaa.StatusSuccess
				if err != nil {
					status = hipaa.StatusFailed
				}
				a.audit.Record(ctx, cliActor, hipaa.ActionCreateUser, args[0], status)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created user %s (%s)\n", u.Username, u.Role)
				return nil
			})
		},
	}
	add.Flags().StringVar(&role, "role", string(auth.RoleRadiologist), "Role: "+auth.RoleNames())
	cmd.AddCommand(add)
	return cmd
}

// promptPassword reads a password without echo from a terminal, or a single
// line from a non-terminal stdin.
func promptPassword(in io.Reader, w io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && isTerminal(int(f.Fd())) {
		fmt.Fprint(w, "Enter password: ")
		pw, err := readPassword(int(f.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return "", err
		}
		return string(pw), nil
	}
	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("read password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func diagnoseCmd() *cobra.Command {
	var (
		history   string
		patientID string
		strict    bool
	)
	cmd := &cobra.Command{
		Use:   "diagnose <image>",
		Short: "Run the diagnostic pipeline on a local image and print the result",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				svc := a.diagnostics
				if strict {
					svc = a.diagnosticsService(true)
				}

				ctx = operatorCtx(ctx)
				ctx, cancel := context.WithTimeout(ctx, a.cfg.PipelineTimeout)
				defer cancel()

				req := diagnostics.Request{ImagePath: args[0], History: history, Filename: args[0]}
				if patientID != "" {
					req.Patient = &imaging.RawDemographics{PatientID: patientID}
				}
				res, err := svc.Diagnose(ctx, req)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), res)
			})
		},
	}
	cmd.Flags().StringVar(&history, "history", "", "Clinical history text (required)")
	cmd.Flags().StringVar(&patientID, "patient-id", "", "Persist the run as an encrypted study for this patient")
	cmd.Flags().BoolVar(&strict, "strict", false, "Fail on unparseable images instead of using a synthetic slice")
	cmd.MarkFlagRequired("history")
	return cmd
}

func studyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "study",
		Short: "Inspect and maintain encrypted studies",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print a study row and its decrypted metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid study id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return showStudy(operatorCtx(ctx), cmd.OutOrStdout(), a, id)
			})
		},
	})

	var limit int
	list := &cobra.Command{
		Use:   "list <patient-id>",
		Short: "List the studies recorded for a patient identifier",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return listStudies(operatorCtx(ctx), cmd.OutOrStdout(), a, args[0], limit)
			})
		},
	}
	list.Flags().IntVar(&limit, "limit", 20, "Maximum number of studies to print")
	cmd.AddCommand(list)

	var out string
	export := &cobra.Command{
		Use:   "export <id>",
		Short: "Decrypt a study's voxels to a raw little-endian float32 file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid study id: %w", err)
			}
			if out == "" {
				return errors.New("--out is required")
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return exportStudy(operatorCtx(ctx), cmd.OutOrStdout(), a, id, out)
			})
		},
	}
	export.Flags().StringVar(&out, "out", "", "Destination file for the decrypted voxels (required)")
	cmd.AddCommand(export)

	cmd.AddCommand(&cobra.Command{
		Use:   "rekey <id>",
		Short: "Re-encrypt a study under the current key version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid study id: %w", err)
			}
			return withApp(cmd, func(ctx context.Context, a *app) error {
				ctx = operatorCtx(ctx)
				changed, err := a.studies.ReEncrypt(ctx, id)
				if err != nil {
					return err
				}
				if changed {
					fmt.Fprintf(cmd.OutOrStdout(), "Study %s re-encrypted with key v%d\n", id, a.enc.CurrentVersion())
				} else {
					fmt.Fprintf(cmd.OutOrStdout(), "Study %s already uses key v%d\n", id, a.enc.CurrentVersion())
				}
				return nil
			})
		},
	})
	return cmd
}

func showStudy(ctx context.Context, w io.Writer, a *app, id uuid.UUID) error {
	d, err := a.studies.Read(ctx, id)
	if err != nil {
		return err
	}
	return writeJSON(w, d)
}

func listStudies(ctx context.Context, w io.Writer, a *app, patientID string, limit int) error {
	patientID = strings.TrimSpace(patientID)
	if patientID == "" {
		return errors.New("patient id is required")
	}
	studies, err := a.studies.ListForPatient(ctx, imaging.PseudonymFor(patientID).String(), limit)
	if err != nil {
		return err
	}
	if len(studies) == 0 {
		fmt.Fprintln(w, "No studies found")
		return nil
	}
	for _, st := range studies {
		fmt.Fprintf(w, "%s\t%s\tkey v%d\n", st.ID, st.StudyDate.UTC().Format(time.RFC3339), st.KeyVersion)
	}
	return nil
}

func exportStudy(ctx context.Context, w io.Writer, a *app, id uuid.UUID, path string) error {
	vol, err := a.studies.Export(ctx, id)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, vol.VoxelBytes(), 0o600); err != nil {
		return fmt.Errorf("write export: %w", err)
	}
	fmt.Fprintf(w, "Exported study %s to %s (%dx%dx%d, spacing %v, %s)\n",
		id, path, vol.Dims[0], vol.Dims[1], vol.Dims[2], vol.Spacing, humanize.Bytes(uint64(vol.Voxels()*4)))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
