package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/iam/types"
)

type RoleConfig struct {
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	AssumeRolePolicy  string            `json:"assumeRolePolicy"`
	ManagedPolicyArns []string          `json:"managedPolicyArns"`
	Tags              map[string]string `json:"tags"`
}

// createRole returns the role ARN so that task definitions can reference it.
func (p *Provider) createRole(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[RoleConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("name", desired.Name); err != nil {
		return "", err
	}
	if err := required("assumeRolePolicy", desired.AssumeRolePolicy); err != nil {
		return "", err
	}

	input := &iam.CreateRoleInput{
		RoleName:                 aws.String(desired.Name),
		AssumeRolePolicyDocument: aws.String(desired.AssumeRolePolicy),
	}
	if desired.Description != "" {
		input.Description = aws.String(desired.Description)
	}
	for _, k := range sortedKeys(desired.Tags) {
		input.Tags = append(input.Tags, types.Tag{Key: aws.String(k), Value: aws.String(desired.Tags[k])})
	}

	resp, err := p.iamClient.CreateRole(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create role: %w", err)
	}
	if err := p.syncRolePolicies(ctx, desired.Name, desired.ManagedPolicyArns); err != nil {
		_ = p.deleteRole(context.WithoutCancel(ctx), aws.ToString(resp.Role.Arn))
		return "", err
	}
	return aws.ToString(resp.Role.Arn), nil
}

func (p *Provider) updateRole(ctx context.Context, arn string, spec map[string]any) error {
	desired, err := decodeSpec[RoleConfig](spec)
	if err != nil {
		return err
	}
	name := nameFromARN(arn)
	if desired.AssumeRolePolicy != "" {
		if _, err := p.iamClient.UpdateAssumeRolePolicy(ctx, &iam.UpdateAssumeRolePolicyInput{
			RoleName:       aws.String(name),
			PolicyDocument: aws.String(desired.AssumeRolePolicy),
		}); err != nil {
			return fmt.Errorf("failed to update assume role policy: %w", err)
		}
	}
	return p.syncRolePolicies(ctx, name, desired.ManagedPolicyArns)
}

// syncRolePolicies attaches the wanted managed policies and detaches the rest.
func (p *Provider) syncRolePolicies(ctx context.Context, role string, want []string) error {
	attached, err := p.attachedPolicies(ctx, role)
	if err != nil {
		return err
	}
	wanted := make(map[string]bool, len(want))
	for _, arn := range want {
		wanted[arn] = true
		if attached[arn] {
			continue
		}
		if _, err := p.iamClient.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return fmt.Errorf("failed to attach %s: %w", arn, err)
		}
	}
	for arn := range attached {
		if wanted[arn] {
			continue
		}
		if _, err := p.iamClient.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
			RoleName:  aws.String(role),
			PolicyArn: aws.String(arn),
		}); err != nil {
			return fmt.Errorf("failed to detach %s: %w", arn, err)
		}
	}
	return nil
}

func (p *Provider) attachedPolicies(ctx context.Context, role string) (map[string]bool, error) {
	attached := map[string]bool{}
	paginator := iam.NewListAttachedRolePoliciesPaginator(p.iamClient, &iam.ListAttachedRolePoliciesInput{RoleName: aws.String(role)})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list attached policies: %w", err)
		}
		for _, pol := range page.AttachedPolicies {
			attached[aws.ToString(pol.PolicyArn)] = true
		}
	}
	return attached, nil
}

// deleteRole detaches managed policies first; IAM refuses to delete a role
// that still has them.
func (p *Provider) deleteRole(ctx context.Context, arn string) error {
	name := nameFromARN(arn)
	if err := p.syncRolePolicies(ctx, name, nil); err != nil {
		return err
	}
	if _, err := p.iamClient.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete role: %w", err)
	}
	return nil
}
