package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/buffnerd/sg-sentinel/internal/classify"
	"github.com/buffnerd/sg-sentinel/internal/config"
	"github.com/buffnerd/sg-sentinel/internal/engine"
	"github.com/buffnerd/sg-sentinel/internal/health"
	"github.com/buffnerd/sg-sentinel/internal/logging"
	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/output"
	"github.com/buffnerd/sg-sentinel/internal/plan"
	awsprovider "github.com/buffnerd/sg-sentinel/internal/providers/aws"
	"github.com/buffnerd/sg-sentinel/internal/providers/aws/common"
	"github.com/buffnerd/sg-sentinel/internal/remediate"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	profile    string
	regions    []string
	verbose    bool
	colored    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "sgsentinel",
		Short:         "Audit security group exposure and remediate it with staged, health-gated changes",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "", "Config file path (default ~/.config/sgsentinel/config.yaml)")
	root.PersistentFlags().StringVar(&flags.profile, "profile", "", "AWS profile name (default: uses environment / default profile)")
	root.PersistentFlags().StringSliceVar(&flags.regions, "region", nil, "AWS region(s) to operate on (default: config, then all active regions)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Human-readable debug logging")
	root.PersistentFlags().BoolVar(&flags.colored, "color", false, "Colorize risk levels in table output")

	root.AddCommand(newAuditCmd(flags))
	root.AddCommand(newPlanCmd(flags))
	root.AddCommand(newApplyCmd(flags))
	root.AddCommand(newDoctorCmd(flags))
	root.AddCommand(newVersionCmd())
	return root
}

// appRuntime bundles everything a command needs after setup.
type appRuntime struct {
	cfg     *config.Config
	log     *zap.Logger
	eng     *engine.Engine
	regions []string
	profile *common.ProfileConfig
}

// buildRuntime loads config, logging, credentials, and region list, and
// wires the engine. Every subcommand that talks to AWS goes through here.
func buildRuntime(cmd *cobra.Command, flags *rootFlags) (*appRuntime, error) {
	path := flags.configPath
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(flags.verbose)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	ctx := cmd.Context()
	awsProv := common.NewDefaultAWSClientProvider()

	profileName := flags.profile
	if profileName == "" {
		profileName = cfg.AWS.DefaultProfile
	}
	profileCfg, err := awsProv.LoadProfile(ctx, profileName)
	if err != nil {
		return nil, err
	}

	regions := flags.regions
	if len(regions) == 0 {
		regions = cfg.AWS.DefaultRegions
	}
	if len(regions) == 0 {
		regions, err = awsProv.GetActiveRegions(ctx, profileCfg)
		if err != nil {
			return nil, fmt.Errorf("discover active regions: %w", err)
		}
	}

	checker, err := health.FromConfig(cfg.Health, log)
	if err != nil {
		return nil, err
	}

	provider := awsprovider.NewProvider(profileCfg, awsProv, log)
	return &appRuntime{
		cfg:     cfg,
		log:     log,
		eng:     engine.New(provider, provider, checker, nil, log),
		regions: regions,
		profile: profileCfg,
	}, nil
}

// classifierFromConfig maps the config file's classifier block onto the
// classifier defaults.
func classifierFromConfig(cc config.ClassifierConfig) classify.Config {
	cfg := classify.DefaultConfig()
	if len(cc.SensitivePorts) > 0 {
		ports := make(map[int]bool, len(cc.SensitivePorts))
		for _, p := range cc.SensitivePorts {
			ports[p] = true
		}
		cfg.SensitivePorts = ports
	}
	if cc.BroadPrefixBits > 0 {
		cfg.BroadPrefixThresholdBits = cc.BroadPrefixBits
	}
	return cfg
}

// resolveThreshold prefers the flag over the config file.
func resolveThreshold(flagValue string, cfg *config.Config) (models.RiskLevel, error) {
	if flagValue == "" {
		return cfg.Threshold(), nil
	}
	level, ok := models.ParseRiskLevel(strings.ToUpper(flagValue))
	if !ok {
		return 0, fmt.Errorf("invalid threshold %q; valid values: low, medium, high, critical", flagValue)
	}
	return level, nil
}

func newAuditCmd(flags *rootFlags) *cobra.Command {
	var (
		threshold string
		format    string
		reportOut string
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inventory and risk-classify every security group (read-only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.log.Sync()

			level, err := resolveThreshold(threshold, rt.cfg)
			if err != nil {
				return err
			}

			report, err := rt.eng.Audit(cmd.Context(), engine.AuditOptions{
				Regions:    rt.regions,
				Threshold:  level,
				Classifier: classifierFromConfig(rt.cfg.Classifier),
			})
			if err != nil {
				return fmt.Errorf("audit failed: %w", err)
			}

			if reportOut != "" {
				if err := writeJSONFile(reportOut, report); err != nil {
					return err
				}
			}
			if format == "json" {
				return output.WriteJSON(cmd.OutOrStdout(), report)
			}
			output.RenderAuditTable(cmd.OutOrStdout(), report, output.Options{Colored: flags.colored})
			return nil
		},
	}

	cmd.Flags().StringVar(&threshold, "threshold", "", "Risk threshold for the summary counter: low, medium, high, critical (default from config)")
	cmd.Flags().StringVar(&format, "output", "table", "Output format: json or table")
	cmd.Flags().StringVar(&reportOut, "report", "", "Write full JSON report to this file path (in addition to stdout output)")
	return cmd
}

func newPlanCmd(flags *rootFlags) *cobra.Command {
	var (
		threshold    string
		exclusions   []string
		adminRuleSet string
		deleteUnused bool
		format       string
		sessionOut   string
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Build an ordered remediation session without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.log.Sync()

			session, err := planSession(cmd, rt, planFlags{
				threshold:    threshold,
				exclusions:   exclusions,
				adminRuleSet: adminRuleSet,
				deleteUnused: deleteUnused,
			})
			if err != nil {
				return err
			}

			if sessionOut != "" {
				if err := writeJSONFile(sessionOut, session); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "session written to %s; run sgsentinel apply --session %s\n", sessionOut, sessionOut)
			}
			if format == "json" {
				return output.WriteJSON(cmd.OutOrStdout(), session)
			}
			output.RenderPlanTable(cmd.OutOrStdout(), session, output.Options{Colored: flags.colored})
			return nil
		},
	}

	cmd.Flags().StringVar(&threshold, "threshold", "", "Minimum risk level to remediate (default from config)")
	cmd.Flags().StringSliceVar(&exclusions, "exclude", nil, "Rule set IDs or name globs to exclude (repeatable; adds to config)")
	cmd.Flags().StringVar(&adminRuleSet, "admin-rule-set", "", "Rule set used as the restrictive replacement source (default from config)")
	cmd.Flags().BoolVar(&deleteUnused, "delete-unused", false, "Also plan deletion of confirmed-unattached rule sets")
	cmd.Flags().StringVar(&format, "output", "table", "Output format: json or table")
	cmd.Flags().StringVar(&sessionOut, "save", "", "Write the session as JSON to this file for a later apply")
	return cmd
}

type planFlags struct {
	threshold    string
	exclusions   []string
	adminRuleSet string
	deleteUnused bool
}

func planSession(cmd *cobra.Command, rt *appRuntime, pf planFlags) (*models.RemediationSession, error) {
	level, err := resolveThreshold(pf.threshold, rt.cfg)
	if err != nil {
		return nil, err
	}
	admin := pf.adminRuleSet
	if admin == "" {
		admin = rt.cfg.Remediation.AdminRuleSetID
	}
	exclusions := append(append([]string(nil), rt.cfg.Remediation.Exclusions...), pf.exclusions...)

	session, err := rt.eng.Plan(cmd.Context(), engine.PlanOptions{
		Regions: rt.regions,
		Plan: plan.Options{
			Threshold:      level,
			Exclusions:     exclusions,
			AdminRuleSetID: admin,
			DeleteUnused:   pf.deleteUnused || rt.cfg.Remediation.DeleteUnused,
			Classifier:     classifierFromConfig(rt.cfg.Classifier),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("planning failed: %w", err)
	}
	return session, nil
}

func newApplyCmd(flags *rootFlags) *cobra.Command {
	var (
		sessionPath  string
		threshold    string
		exclusions   []string
		adminRuleSet string
		deleteUnused bool
		dryRun       bool
		yes          bool
		settle       time.Duration
		reportOut    string
	)

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Execute a remediation session with staged, health-gated changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime(cmd, flags)
			if err != nil {
				return err
			}
			defer rt.log.Sync()

			var session *models.RemediationSession
			if sessionPath != "" {
				session, err = readSessionFile(sessionPath)
			} else {
				session, err = planSession(cmd, rt, planFlags{
					threshold:    threshold,
					exclusions:   exclusions,
					adminRuleSet: adminRuleSet,
					deleteUnused: deleteUnused,
				})
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			output.RenderPlanTable(out, session, output.Options{Colored: flags.colored})

			if len(session.Actions) == 0 {
				return nil
			}

			if !dryRun {
				// There is no cross-operator lock: two concurrent applies
				// against the same account can race each other. The drift
				// check catches most of it, but not all.
				fmt.Fprintln(out, "\nwarning: ensure no other operator or automation is modifying these rule sets")
				if !yes && !confirm(cmd, fmt.Sprintf("apply %d actions?", len(session.Actions))) {
					fmt.Fprintln(out, "aborted")
					return nil
				}
			}

			settleInterval := settle
			if settleInterval < 0 {
				settleInterval = 0
			} else if settleInterval == 0 {
				settleInterval = rt.cfg.Remediation.SettleInterval
			}

			report, err := rt.eng.Execute(cmd.Context(), session, remediate.Options{
				DryRun:                dryRun,
				SettleInterval:        settleInterval,
				MaxAttempts:           rt.cfg.Remediation.MaxAttempts,
				MaxConcurrentRuleSets: rt.cfg.Remediation.MaxConcurrentRuleSets,
				HealthTimeout:         rt.cfg.Health.Timeout,
			})
			if err != nil {
				return fmt.Errorf("apply failed: %w", err)
			}

			if reportOut != "" {
				if err := writeJSONFile(reportOut, report); err != nil {
					return err
				}
			}
			output.RenderExecutionTable(out, report, output.Options{Colored: flags.colored})

			switch report.Verdict {
			case models.VerdictDegraded:
				return fmt.Errorf("run finished degraded: %d rollback failure(s) need manual attention", report.Failed)
			case models.VerdictFailed:
				return fmt.Errorf("no action could be applied")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&sessionPath, "session", "", "Apply a session previously saved by plan --save (default: plan fresh)")
	cmd.Flags().StringVar(&threshold, "threshold", "", "Minimum risk level to remediate (default from config)")
	cmd.Flags().StringSliceVar(&exclusions, "exclude", nil, "Rule set IDs or name globs to exclude (repeatable; adds to config)")
	cmd.Flags().StringVar(&adminRuleSet, "admin-rule-set", "", "Rule set used as the restrictive replacement source (default from config)")
	cmd.Flags().BoolVar(&deleteUnused, "delete-unused", false, "Also delete confirmed-unattached rule sets")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report what would be attempted without any provider call")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Skip the confirmation prompt")
	cmd.Flags().DurationVar(&settle, "settle", 0, "Wait between each change and its health check (default from config; negative for none)")
	cmd.Flags().StringVar(&reportOut, "report", "", "Write the JSON execution report to this file path")
	return cmd
}

// confirm reads a y/N answer from the command's stdin.
func confirm(cmd *cobra.Command, prompt string) bool {
	fmt.Fprintf(cmd.OutOrStdout(), "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(cmd.InOrStdin())
	if !scanner.Scan() {
		return false
	}
	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

func readSessionFile(path string) (*models.RemediationSession, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read session file %q: %w", path, err)
	}
	var session models.RemediationSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("parse session file %q: %w", path, err)
	}
	if session.ID == "" || session.Snapshot == nil {
		return nil, fmt.Errorf("session file %q is missing its snapshot; re-run plan --save", path)
	}
	return &session, nil
}

// writeJSONFile serialises v as indented JSON to path, creating or
// overwriting the file.
func writeJSONFile(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprint(cmd.OutOrStdout(), versionInfo())
		},
	}
}
