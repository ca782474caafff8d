package common

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
)

// ProfileConfig is a resolved AWS profile with its SDK configuration and
// initialised account-level clients. It is the unit handed to the provider
// layer when building region-scoped service clients.
type ProfileConfig struct {
	// ProfileName is the name from ~/.aws/credentials or "default".
	ProfileName string

	// AccountID is the resolved AWS account ID for this profile (via STS).
	AccountID string

	// Region is the home region for this profile configuration.
	Region string

	// Config is the fully loaded AWS SDK v2 configuration.
	Config aws.Config

	// Clients holds the account-level clients (STS, region discovery).
	// Use ConfigForRegion to build region-scoped clients for collection
	// and remediation.
	Clients *ClientSet
}

// AWSClientProvider loads AWS configurations and resolves active regions.
// It is the sole entry point for AWS credential and region management across
// the provider layer.
//
// Implementations must use the AWS SDK v2 only. Never shell out to the aws CLI.
type AWSClientProvider interface {
	// LoadProfile returns a ProfileConfig for the named profile.
	// Pass an empty string to load the default profile.
	LoadProfile(ctx context.Context, profile string) (*ProfileConfig, error)

	// GetActiveRegions returns all regions that are enabled for the account
	// associated with cfg. The list drives per-region collection when no
	// explicit region list is given.
	GetActiveRegions(ctx context.Context, cfg *ProfileConfig) ([]string, error)

	// ConfigForRegion clones cfg with the target region set.
	// Use the result to construct region-scoped SDK clients.
	ConfigForRegion(cfg *ProfileConfig, region string) aws.Config
}
