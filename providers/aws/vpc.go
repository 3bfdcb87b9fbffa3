package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

type VpcConfig struct {
	Name               string            `json:"name"`
	CidrBlock          string            `json:"cidrBlock"`
	EnableDNSHostnames *bool             `json:"enableDnsHostnames"`
	EnableDNSSupport   *bool             `json:"enableDnsSupport"`
	Subnets            []SubnetConfig    `json:"subnets"`
	NatGateway         bool              `json:"natGateway"`
	Tags               map[string]string `json:"tags"`
}

type SecurityGroupConfig struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	VpcID       string              `json:"vpcId"`
	Ingress     []SecurityGroupRule `json:"ingress"`
	Tags        map[string]string   `json:"tags"`
}

// SecurityGroupRule allows traffic from CIDR blocks or from members of other
// security groups.
type SecurityGroupRule struct {
	FromPort             int      `json:"fromPort"`
	ToPort               int      `json:"toPort"`
	Protocol             string   `json:"protocol"`
	CidrBlocks           []string `json:"cidrBlocks"`
	SourceSecurityGroups []string `json:"sourceSecurityGroups"`
}

func (p *Provider) createVpc(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[VpcConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("cidrBlock", desired.CidrBlock); err != nil {
		return "", err
	}

	resp, err := p.ec2Client.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock:         aws.String(desired.CidrBlock),
		TagSpecifications: tagSpecs(types.ResourceTypeVpc, desired.Name, desired.Tags),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create VPC: %w", err)
	}
	vpcID := aws.ToString(resp.Vpc.VpcId)

	// A half-configured VPC is removed so that a retry starts clean.
	if err := p.setVpcAttributes(ctx, vpcID, desired); err != nil {
		_ = p.deleteVpc(context.WithoutCancel(ctx), vpcID)
		return "", err
	}
	if err := p.createSubnets(ctx, vpcID, desired); err != nil {
		_ = p.deleteVpc(context.WithoutCancel(ctx), vpcID)
		return "", err
	}
	return vpcID, nil
}

// updateVpc changes tags and DNS settings. The subnet layout is fixed when the
// VPC is created.
func (p *Provider) updateVpc(ctx context.Context, vpcID string, spec map[string]any) error {
	desired, err := decodeSpec[VpcConfig](spec)
	if err != nil {
		return err
	}
	if tags := ec2Tags(desired.Name, desired.Tags); len(tags) > 0 {
		if _, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{Resources: []string{vpcID}, Tags: tags}); err != nil {
			return fmt.Errorf("failed to tag VPC: %w", err)
		}
	}
	return p.setVpcAttributes(ctx, vpcID, desired)
}

// setVpcAttributes applies DNS settings. EC2 accepts one attribute per call.
func (p *Provider) setVpcAttributes(ctx context.Context, vpcID string, desired VpcConfig) error {
	if desired.EnableDNSSupport != nil {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:            aws.String(vpcID),
			EnableDnsSupport: &types.AttributeBooleanValue{Value: desired.EnableDNSSupport},
		}); err != nil {
			return fmt.Errorf("failed to set enableDnsSupport: %w", err)
		}
	}
	if desired.EnableDNSHostnames != nil {
		if _, err := p.ec2Client.ModifyVpcAttribute(ctx, &ec2.ModifyVpcAttributeInput{
			VpcId:              aws.String(vpcID),
			EnableDnsHostnames: &types.AttributeBooleanValue{Value: desired.EnableDNSHostnames},
		}); err != nil {
			return fmt.Errorf("failed to set enableDnsHostnames: %w", err)
		}
	}
	return nil
}

func (p *Provider) deleteVpc(ctx context.Context, vpcID string) error {
	if err := p.deleteSubnets(ctx, vpcID); err != nil {
		return err
	}
	if _, err := p.ec2Client.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)}); err != nil {
		return fmt.Errorf("failed to delete VPC: %w", err)
	}
	return nil
}

func (p *Provider) createSecurityGroup(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[SecurityGroupConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("name", desired.Name); err != nil {
		return "", err
	}
	if desired.Description == "" {
		desired.Description = "Managed by stackr"
	}

	input := &ec2.CreateSecurityGroupInput{
		GroupName:         aws.String(desired.Name),
		Description:       aws.String(desired.Description),
		TagSpecifications: tagSpecs(types.ResourceTypeSecurityGroup, desired.Name, desired.Tags),
	}
	if desired.VpcID != "" {
		input.VpcId = aws.String(desired.VpcID)
	}
	resp, err := p.ec2Client.CreateSecurityGroup(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create security group: %w", err)
	}
	groupID := aws.ToString(resp.GroupId)

	if perms := ipPermissions(desired.Ingress); len(perms) > 0 {
		if _, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		}); err != nil {
			_ = p.deleteSecurityGroup(context.WithoutCancel(ctx), groupID)
			return "", fmt.Errorf("failed to authorize ingress: %w", err)
		}
	}
	return groupID, nil
}

// updateSecurityGroup replaces the ingress rules with the desired set.
func (p *Provider) updateSecurityGroup(ctx context.Context, groupID string, spec map[string]any) error {
	desired, err := decodeSpec[SecurityGroupConfig](spec)
	if err != nil {
		return err
	}

	resp, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{GroupIds: []string{groupID}})
	if err != nil {
		return fmt.Errorf("failed to describe security group: %w", err)
	}
	for _, sg := range resp.SecurityGroups {
		if len(sg.IpPermissions) == 0 {
			continue
		}
		if _, err := p.ec2Client.RevokeSecurityGroupIngress(ctx, &ec2.RevokeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: sg.IpPermissions,
		}); err != nil {
			return fmt.Errorf("failed to revoke ingress: %w", err)
		}
	}

	if perms := ipPermissions(desired.Ingress); len(perms) > 0 {
		if _, err := p.ec2Client.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
			GroupId:       aws.String(groupID),
			IpPermissions: perms,
		}); err != nil {
			return fmt.Errorf("failed to authorize ingress: %w", err)
		}
	}
	return nil
}

func (p *Provider) deleteSecurityGroup(ctx context.Context, groupID string) error {
	if _, err := p.ec2Client.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: aws.String(groupID)}); err != nil {
		return fmt.Errorf("failed to delete security group: %w", err)
	}
	return nil
}

func ipPermissions(rules []SecurityGroupRule) []types.IpPermission {
	var perms []types.IpPermission
	for _, rule := range rules {
		protocol := rule.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		perm := types.IpPermission{
			IpProtocol: aws.String(protocol),
			FromPort:   aws.Int32(int32(rule.FromPort)),
			ToPort:     aws.Int32(int32(rule.ToPort)),
		}
		for _, cidr := range rule.CidrBlocks {
			perm.IpRanges = append(perm.IpRanges, types.IpRange{CidrIp: aws.String(cidr)})
		}
		for _, group := range rule.SourceSecurityGroups {
			perm.UserIdGroupPairs = append(perm.UserIdGroupPairs, types.UserIdGroupPair{GroupId: aws.String(group)})
		}
		perms = append(perms, perm)
	}
	return perms
}

func ec2Tags(name string, tags map[string]string) []types.Tag {
	var out []types.Tag
	if name != "" {
		out = append(out, types.Tag{Key: aws.String("Name"), Value: aws.String(name)})
	}
	for _, k := range sortedKeys(tags) {
		if k == "Name" && name != "" {
			continue
		}
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func tagSpecs(resourceType types.ResourceType, name string, tags map[string]string) []types.TagSpecification {
	t := ec2Tags(name, tags)
	if len(t) == 0 {
		return nil
	}
	return []types.TagSpecification{{ResourceType: resourceType, Tags: t}}
}
