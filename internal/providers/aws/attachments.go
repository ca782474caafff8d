package aws

import (
	"context"
	"strings"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	ec2svc "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	elbv2svc "github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	rdssvc "github.com/aws/aws-sdk-go-v2/service/rds"

	"github.com/buffnerd/sg-sentinel/internal/models"
)

// ListAttachments resolves everything holding a reference to the security
// group: instance and bare ENIs, load balancers, and RDS instances. Any
// surface failing makes the whole lookup fail; a partial answer would let
// the planner mark an attached group as deletable.
func (p *Provider) ListAttachments(ctx context.Context, region, ruleSetID string) ([]models.AttachmentRef, error) {
	clients := p.regionClientsFor(region)

	var refs []models.AttachmentRef

	eniRefs, err := p.listENIAttachments(ctx, clients, ruleSetID)
	if err != nil {
		return nil, err
	}
	refs = append(refs, eniRefs...)

	lbRefs, err := p.listLoadBalancerAttachments(ctx, clients, ruleSetID)
	if err != nil {
		return nil, err
	}
	refs = append(refs, lbRefs...)

	dbRefs, err := p.listDatabaseAttachments(ctx, clients, ruleSetID)
	if err != nil {
		return nil, err
	}
	refs = append(refs, dbRefs...)

	return refs, nil
}

// listENIAttachments finds network interfaces in the group. ENIs owned by
// load balancers and RDS are skipped here; those resources are reported
// under their own kind by the dedicated lookups below.
func (p *Provider) listENIAttachments(ctx context.Context, clients *regionClients, ruleSetID string) ([]models.AttachmentRef, error) {
	input := &ec2svc.DescribeNetworkInterfacesInput{
		Filters: []ec2types.Filter{{
			Name:   awssdk.String("group-id"),
			Values: []string{ruleSetID},
		}},
	}

	var refs []models.AttachmentRef
	paginator := ec2svc.NewDescribeNetworkInterfacesPaginator(clients.EC2, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListAttachments/eni", err)
		}
		for _, eni := range page.NetworkInterfaces {
			desc := awssdk.ToString(eni.Description)
			if strings.HasPrefix(desc, "ELB ") || strings.HasPrefix(desc, "RDSNetworkInterface") {
				continue
			}
			if eni.Attachment != nil && eni.Attachment.InstanceId != nil {
				refs = append(refs, models.AttachmentRef{
					Kind:       models.AttachmentCompute,
					ResourceID: awssdk.ToString(eni.Attachment.InstanceId),
					Detail:     awssdk.ToString(eni.NetworkInterfaceId),
				})
				continue
			}
			refs = append(refs, models.AttachmentRef{
				Kind:       models.AttachmentNetworkInterface,
				ResourceID: awssdk.ToString(eni.NetworkInterfaceId),
				Detail:     desc,
			})
		}
	}
	return refs, nil
}

func (p *Provider) listLoadBalancerAttachments(ctx context.Context, clients *regionClients, ruleSetID string) ([]models.AttachmentRef, error) {
	var refs []models.AttachmentRef
	paginator := elbv2svc.NewDescribeLoadBalancersPaginator(clients.ELB, &elbv2svc.DescribeLoadBalancersInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListAttachments/elb", err)
		}
		for _, lb := range page.LoadBalancers {
			for _, sg := range lb.SecurityGroups {
				if sg == ruleSetID {
					refs = append(refs, models.AttachmentRef{
						Kind:       models.AttachmentLoadBalancer,
						ResourceID: awssdk.ToString(lb.LoadBalancerArn),
						Detail:     awssdk.ToString(lb.LoadBalancerName),
					})
				}
			}
		}
	}
	return refs, nil
}

func (p *Provider) listDatabaseAttachments(ctx context.Context, clients *regionClients, ruleSetID string) ([]models.AttachmentRef, error) {
	var refs []models.AttachmentRef
	paginator := rdssvc.NewDescribeDBInstancesPaginator(clients.RDS, &rdssvc.DescribeDBInstancesInput{})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, wrapError("ListAttachments/rds", err)
		}
		for _, db := range page.DBInstances {
			for _, sg := range db.VpcSecurityGroups {
				if awssdk.ToString(sg.VpcSecurityGroupId) == ruleSetID {
					refs = append(refs, models.AttachmentRef{
						Kind:       models.AttachmentDatabase,
						ResourceID: awssdk.ToString(db.DBInstanceIdentifier),
						Detail:     awssdk.ToString(db.Engine),
					})
				}
			}
		}
	}
	return refs, nil
}
