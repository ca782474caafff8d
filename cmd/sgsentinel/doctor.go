package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/buffnerd/sg-sentinel/internal/config"
	"github.com/buffnerd/sg-sentinel/internal/providers/aws/common"
)

// DoctorResult is the structured output of sgsentinel doctor. It can be
// serialised to JSON via --format=json or rendered as a human-readable
// table (default).
type DoctorResult struct {
	AWS struct {
		Profile     string `json:"profile,omitempty"`
		Credentials bool   `json:"credentials_ok"`
		AccountID   string `json:"account_id,omitempty"`
		RegionsOK   bool   `json:"regions_ok"`
		Error       string `json:"error,omitempty"`
	} `json:"aws"`

	Config struct {
		Path    string   `json:"path"`
		Present bool     `json:"present"`
		Valid   bool     `json:"valid"`
		Errors  []string `json:"errors,omitempty"`
	} `json:"config"`

	Health struct {
		Configured bool   `json:"configured"`
		Kind       string `json:"kind,omitempty"`
	} `json:"health"`

	OverallHealthy bool `json:"overall_healthy"`
}

func newDoctorCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "doctor",
		Short:         "Run environment diagnostics",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, _ := cmd.Flags().GetString("format")
			configPath := flags.configPath
			if configPath == "" {
				configPath = config.DefaultPath()
			}
			result, err := runDoctor(
				cmd.Context(),
				common.NewDefaultAWSClientProvider(),
				cmd.OutOrStdout(),
				format,
				flags.profile,
				configPath,
			)
			if err != nil {
				// Rendering failure; let Cobra/main handle it.
				return err
			}
			if !result.OverallHealthy {
				// Exit directly so no error text reaches main's
				// fmt.Fprintln(os.Stderr, err) path.
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().String("format", "table", `Output format: "table" or "json"`)
	return cmd
}

// runDoctor collects all diagnostic results, renders them to w in the
// requested format, and returns the result. The returned error covers
// only rendering failures; callers must inspect result.OverallHealthy.
func runDoctor(ctx context.Context, awsProvider common.AWSClientProvider, w io.Writer, format, profile, configPath string) (DoctorResult, error) {
	result := collectDoctorResult(ctx, awsProvider, profile, configPath)

	switch format {
	case "json":
		if err := json.NewEncoder(w).Encode(result); err != nil {
			return result, fmt.Errorf("encode doctor result: %w", err)
		}
	default:
		renderDoctorTable(result, w)
	}

	return result, nil
}

// collectDoctorResult runs all environment checks and populates a
// DoctorResult. It performs no rendering.
func collectDoctorResult(ctx context.Context, awsProvider common.AWSClientProvider, profile, configPath string) DoctorResult {
	var result DoctorResult

	// AWS: credentials, STS account ID, region discovery.
	if profile != "" {
		result.AWS.Profile = profile
	}
	profileCfg, err := awsProvider.LoadProfile(ctx, profile)
	if err != nil {
		result.AWS.Error = err.Error()
	} else {
		result.AWS.Credentials = true
		result.AWS.AccountID = profileCfg.AccountID
		if _, err = awsProvider.GetActiveRegions(ctx, profileCfg); err != nil {
			result.AWS.Error = err.Error()
		} else {
			result.AWS.RegionsOK = true
		}
	}

	// Config: presence and validity. A missing file is healthy (defaults
	// apply); an invalid one is not.
	result.Config.Path = configPath
	if _, statErr := os.Stat(configPath); statErr == nil {
		result.Config.Present = true
	}
	cfg, err := config.Load(configPath)
	switch {
	case err != nil:
		result.Config.Valid = false
		result.Config.Errors = splitJoined(err)
	default:
		result.Config.Valid = true
		result.Health.Configured = cfg.Health.Kind != ""
		result.Health.Kind = cfg.Health.Kind
	}

	result.OverallHealthy = result.AWS.Credentials && result.AWS.RegionsOK && result.Config.Valid
	return result
}

// splitJoined flattens an errors.Join result into individual messages.
func splitJoined(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var msgs []string
		for _, e := range joined.Unwrap() {
			msgs = append(msgs, e.Error())
		}
		return msgs
	}
	return []string{err.Error()}
}

// renderDoctorTable writes the human-readable diagnostic summary.
func renderDoctorTable(result DoctorResult, w io.Writer) {
	status := func(ok bool) string {
		if ok {
			return "OK"
		}
		return "FAIL"
	}

	fmt.Fprintln(w, "sgsentinel doctor")
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  AWS credentials   %s", status(result.AWS.Credentials))
	if result.AWS.AccountID != "" {
		fmt.Fprintf(w, "  (account %s)", result.AWS.AccountID)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Region discovery  %s\n", status(result.AWS.RegionsOK))
	if result.AWS.Error != "" {
		fmt.Fprintf(w, "    error: %s\n", result.AWS.Error)
	}

	fmt.Fprintf(w, "  Config file       %s  (%s", status(result.Config.Valid), result.Config.Path)
	if !result.Config.Present {
		fmt.Fprint(w, ", not present, defaults in use")
	}
	fmt.Fprintln(w, ")")
	for _, msg := range result.Config.Errors {
		fmt.Fprintf(w, "    error: %s\n", msg)
	}

	if result.Health.Configured {
		fmt.Fprintf(w, "  Health checker    OK  (%s)\n", result.Health.Kind)
	} else {
		fmt.Fprintln(w, "  Health checker    not configured; apply will refuse to run without --dry-run")
	}

	fmt.Fprintln(w)
	if result.OverallHealthy {
		fmt.Fprintln(w, "environment healthy")
	} else {
		fmt.Fprintln(w, "environment NOT healthy")
	}
}
