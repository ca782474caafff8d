// Package aws implements the rule and attachment providers on the AWS
// SDK v2: security groups are the rule sets, ENIs, load balancers, and
// RDS instances are the attachment surfaces. All SDK errors are mapped
// onto the shared provider error taxonomy before leaving this package.
package aws

import (
	"context"
	"sync"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2svc "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"

	"github.com/buffnerd/sg-sentinel/internal/models"
	"github.com/buffnerd/sg-sentinel/internal/providers"
	"github.com/buffnerd/sg-sentinel/internal/providers/aws/common"
)

// mutationsPerSecond caps the rate of Authorize/Revoke/Delete calls. EC2
// throttles mutating calls far earlier than describes; pacing them avoids
// burning the retry budget on self-inflicted throttling.
const mutationsPerSecond = 5

// Provider implements providers.RuleProvider and
// providers.AttachmentProvider against one AWS account.
type Provider struct {
	profile *common.ProfileConfig
	aws     common.AWSClientProvider
	factory clientFactory
	limiter ratelimit.Limiter
	log     *zap.Logger

	mu      sync.Mutex
	clients map[string]*regionClients // keyed by region
}

// NewProvider builds a Provider for the given loaded profile. log may be
// nil.
func NewProvider(profile *common.ProfileConfig, awsProvider common.AWSClientProvider, log *zap.Logger) *Provider {
	return newProviderWithFactory(profile, awsProvider, newDefaultClients, log)
}

// newProviderWithFactory is the test seam: fakes go in via factory.
func newProviderWithFactory(
	profile *common.ProfileConfig,
	awsProvider common.AWSClientProvider,
	factory clientFactory,
	log *zap.Logger,
) *Provider {
	if log == nil {
		log = zap.NewNop()
	}
	return &Provider{
		profile: profile,
		aws:     awsProvider,
		factory: factory,
		limiter: ratelimit.New(mutationsPerSecond),
		log:     log,
		clients: map[string]*regionClients{},
	}
}

// regionClientsFor returns (building once) the service clients for region.
func (p *Provider) regionClientsFor(region string) *regionClients {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.clients[region]; ok {
		return c
	}
	c := p.factory(p.aws.ConfigForRegion(p.profile, region))
	p.clients[region] = c
	return c
}

// ListRuleSets pages through every security group in the region.
func (p *Provider) ListRuleSets(ctx context.Context, region string) ([]models.RuleSet, error) {
	clients := p.regionClientsFor(region)

	var out []models.RuleSet
	paginator := ec2svc.NewDescribeSecurityGroupsPaginator(clients.EC2, &ec2svc.DescribeSecurityGroupsInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListRuleSets", err)
		}
		for _, sg := range page.SecurityGroups {
			out = append(out, ruleSetFromSG(sg, region))
		}
	}
	return out, nil
}

// GetRuleSet fetches a single security group by ID.
func (p *Provider) GetRuleSet(ctx context.Context, region, ruleSetID string) (*models.RuleSet, error) {
	clients := p.regionClientsFor(region)

	page, err := clients.EC2.DescribeSecurityGroups(ctx, &ec2svc.DescribeSecurityGroupsInput{
		GroupIds: []string{ruleSetID},
	})
	if err != nil {
		return nil, wrapError("GetRuleSet", err)
	}
	if len(page.SecurityGroups) == 0 {
		// The SDK reports an empty describe result as success, not as an
		// API error, so it is mapped here instead of in wrapError.
		return nil, providers.NewError(providers.KindNotFound, "GetRuleSet", &notFoundError{id: ruleSetID})
	}
	rs := ruleSetFromSG(page.SecurityGroups[0], region)
	return &rs, nil
}

// AddRule authorizes one rule on the group. The limiter paces mutations
// account-wide, not per region.
func (p *Provider) AddRule(ctx context.Context, region, ruleSetID string, rule models.Rule) error {
	clients := p.regionClientsFor(region)
	p.limiter.Take()

	perm := permissionFromRule(rule)
	var err error
	if rule.Direction == models.DirectionEgress {
		_, err = clients.EC2.AuthorizeSecurityGroupEgress(ctx, &ec2svc.AuthorizeSecurityGroupEgressInput{
			GroupId:       awssdk.String(ruleSetID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
	} else {
		_, err = clients.EC2.AuthorizeSecurityGroupIngress(ctx, &ec2svc.AuthorizeSecurityGroupIngressInput{
			GroupId:       awssdk.String(ruleSetID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
	}
	if err != nil {
		return wrapError("AddRule", err)
	}
	p.log.Debug("rule added",
		zap.String("rule_set_id", ruleSetID),
		zap.String("region", region))
	return nil
}

// RemoveRule revokes one rule from the group.
func (p *Provider) RemoveRule(ctx context.Context, region, ruleSetID string, rule models.Rule) error {
	clients := p.regionClientsFor(region)
	p.limiter.Take()

	perm := permissionFromRule(rule)
	var err error
	if rule.Direction == models.DirectionEgress {
		_, err = clients.EC2.RevokeSecurityGroupEgress(ctx, &ec2svc.RevokeSecurityGroupEgressInput{
			GroupId:       awssdk.String(ruleSetID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
	} else {
		_, err = clients.EC2.RevokeSecurityGroupIngress(ctx, &ec2svc.RevokeSecurityGroupIngressInput{
			GroupId:       awssdk.String(ruleSetID),
			IpPermissions: []ec2types.IpPermission{perm},
		})
	}
	if err != nil {
		return wrapError("RemoveRule", err)
	}
	p.log.Debug("rule removed",
		zap.String("rule_set_id", ruleSetID),
		zap.String("region", region))
	return nil
}

// DeleteRuleSet deletes the security group itself.
func (p *Provider) DeleteRuleSet(ctx context.Context, region, ruleSetID string) error {
	clients := p.regionClientsFor(region)
	p.limiter.Take()

	_, err := clients.EC2.DeleteSecurityGroup(ctx, &ec2svc.DeleteSecurityGroupInput{
		GroupId: awssdk.String(ruleSetID),
	})
	if err != nil {
		return wrapError("DeleteRuleSet", err)
	}
	p.log.Info("rule set deleted",
		zap.String("rule_set_id", ruleSetID),
		zap.String("region", region))
	return nil
}

// ---------------------------------------------------------------------------
// SDK <-> model mapping
// ---------------------------------------------------------------------------

// ruleSetFromSG converts one security group into the provider-neutral
// model. AttachmentsKnown starts false; the usage analyzer fills it in.
func ruleSetFromSG(sg ec2types.SecurityGroup, region string) models.RuleSet {
	rs := models.RuleSet{
		ID:     awssdk.ToString(sg.GroupId),
		Name:   awssdk.ToString(sg.GroupName),
		VPCID:  awssdk.ToString(sg.VpcId),
		Region: region,
	}
	rs.Rules = append(rs.Rules, rulesFromPermissions(sg.IpPermissions, models.DirectionIngress)...)
	rs.Rules = append(rs.Rules, rulesFromPermissions(sg.IpPermissionsEgress, models.DirectionEgress)...)
	return rs
}

// rulesFromPermissions flattens IpPermission entries into one Rule per
// source: a permission carrying three CIDR ranges becomes three rules, so
// each can be classified and remediated independently.
func rulesFromPermissions(perms []ec2types.IpPermission, dir models.Direction) []models.Rule {
	var rules []models.Rule
	for _, perm := range perms {
		base := models.Rule{
			Direction: dir,
			Protocol:  awssdk.ToString(perm.IpProtocol),
			FromPort:  portOrAll(perm.FromPort),
			ToPort:    portOrAll(perm.ToPort),
		}
		for _, r := range perm.IpRanges {
			rule := base
			rule.Source = models.RuleSource{CIDR: awssdk.ToString(r.CidrIp)}
			rule.Description = awssdk.ToString(r.Description)
			rules = append(rules, rule)
		}
		for _, r := range perm.Ipv6Ranges {
			rule := base
			rule.Source = models.RuleSource{CIDR: awssdk.ToString(r.CidrIpv6)}
			rule.Description = awssdk.ToString(r.Description)
			rules = append(rules, rule)
		}
		for _, pair := range perm.UserIdGroupPairs {
			rule := base
			rule.Source = models.RuleSource{RuleSetRef: awssdk.ToString(pair.GroupId)}
			rule.Description = awssdk.ToString(pair.Description)
			rules = append(rules, rule)
		}
	}
	return rules
}

// permissionFromRule is the inverse mapping for mutation calls.
func permissionFromRule(rule models.Rule) ec2types.IpPermission {
	perm := ec2types.IpPermission{
		IpProtocol: awssdk.String(rule.Protocol),
	}
	if rule.FromPort != models.AllPorts {
		perm.FromPort = awssdk.Int32(int32(rule.FromPort))
	}
	if rule.ToPort != models.AllPorts {
		perm.ToPort = awssdk.Int32(int32(rule.ToPort))
	}

	switch {
	case rule.Source.IsRef():
		perm.UserIdGroupPairs = []ec2types.UserIdGroupPair{{
			GroupId:     awssdk.String(rule.Source.RuleSetRef),
			Description: descriptionOrNil(rule.Description),
		}}
	case isIPv6CIDR(rule.Source.CIDR):
		perm.Ipv6Ranges = []ec2types.Ipv6Range{{
			CidrIpv6:    awssdk.String(rule.Source.CIDR),
			Description: descriptionOrNil(rule.Description),
		}}
	default:
		perm.IpRanges = []ec2types.IpRange{{
			CidrIp:      awssdk.String(rule.Source.CIDR),
			Description: descriptionOrNil(rule.Description),
		}}
	}
	return perm
}

func portOrAll(port *int32) int {
	if port == nil {
		return models.AllPorts
	}
	return int(*port)
}

func descriptionOrNil(desc string) *string {
	if desc == "" {
		return nil
	}
	return awssdk.String(desc)
}

func isIPv6CIDR(cidr string) bool {
	for i := 0; i < len(cidr); i++ {
		if cidr[i] == ':' {
			return true
		}
	}
	return false
}

// notFoundError backs the empty-describe-result case, which the SDK
// reports as success rather than as an API error.
type notFoundError struct{ id string }

func (e *notFoundError) Error() string { return "security group " + e.id + " not found" }
