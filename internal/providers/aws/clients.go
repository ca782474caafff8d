package aws

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	ec2svc "github.com/aws/aws-sdk-go-v2/service/ec2"
	elbv2svc "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	rdssvc "github.com/aws/aws-sdk-go-v2/service/rds"
)

// ec2APIClient is the narrow EC2 interface used for security-group
// inventory and mutation. It embeds the SDK paginator interfaces so the
// DescribeSecurityGroups and DescribeNetworkInterfaces paginators work
// against fakes in tests.
type ec2APIClient interface {
	ec2svc.DescribeSecurityGroupsAPIClient
	ec2svc.DescribeNetworkInterfacesAPIClient
	AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2svc.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2svc.Options)) (*ec2svc.AuthorizeSecurityGroupIngressOutput, error)
	AuthorizeSecurityGroupEgress(ctx context.Context, params *ec2svc.AuthorizeSecurityGroupEgressInput, optFns ...func(*ec2svc.Options)) (*ec2svc.AuthorizeSecurityGroupEgressOutput, error)
	RevokeSecurityGroupIngress(ctx context.Context, params *ec2svc.RevokeSecurityGroupIngressInput, optFns ...func(*ec2svc.Options)) (*ec2svc.RevokeSecurityGroupIngressOutput, error)
	RevokeSecurityGroupEgress(ctx context.Context, params *ec2svc.RevokeSecurityGroupEgressInput, optFns ...func(*ec2svc.Options)) (*ec2svc.RevokeSecurityGroupEgressOutput, error)
	DeleteSecurityGroup(ctx context.Context, params *ec2svc.DeleteSecurityGroupInput, optFns ...func(*ec2svc.Options)) (*ec2svc.DeleteSecurityGroupOutput, error)
}

// elbAPIClient is the narrow ELBv2 interface used for attachment lookup.
type elbAPIClient interface {
	elbv2svc.DescribeLoadBalancersAPIClient
}

// rdsAPIClient is the narrow RDS interface used for attachment lookup.
type rdsAPIClient interface {
	rdssvc.DescribeDBInstancesAPIClient
}

// regionClients bundles the region-scoped service clients used by the
// provider.
type regionClients struct {
	EC2 ec2APIClient
	ELB elbAPIClient
	RDS rdsAPIClient
}

// clientFactory creates regionClients from a region-scoped AWS config.
// Injection point: tests replace this with a function returning fakes.
type clientFactory func(cfg aws.Config) *regionClients

// newDefaultClients creates production AWS SDK clients from cfg.
func newDefaultClients(cfg aws.Config) *regionClients {
	return &regionClients{
		EC2: ec2svc.NewFromConfig(cfg),
		ELB: elbv2svc.NewFromConfig(cfg),
		RDS: rdssvc.NewFromConfig(cfg),
	}
}
