package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
)

type LogGroupConfig struct {
	Name            string            `json:"name"`
	RetentionInDays int               `json:"retentionInDays"`
	Tags            map[string]string `json:"tags"`
}

// createLogGroup uses the group name as the external id.
func (p *Provider) createLogGroup(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[LogGroupConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("name", desired.Name); err != nil {
		return "", err
	}

	input := &cloudwatchlogs.CreateLogGroupInput{LogGroupName: aws.String(desired.Name)}
	if len(desired.Tags) > 0 {
		input.Tags = desired.Tags
	}
	if _, err := p.cloudwatchlogsClient.CreateLogGroup(ctx, input); err != nil {
		// A retry after a timed-out create finds the group already there.
		var exists *types.ResourceAlreadyExistsException
		if !errors.As(err, &exists) {
			return "", fmt.Errorf("failed to create log group: %w", err)
		}
	}
	if err := p.setRetention(ctx, desired.Name, desired.RetentionInDays); err != nil {
		return "", err
	}
	return desired.Name, nil
}

func (p *Provider) updateLogGroup(ctx context.Context, name string, spec map[string]any) error {
	desired, err := decodeSpec[LogGroupConfig](spec)
	if err != nil {
		return err
	}
	return p.setRetention(ctx, name, desired.RetentionInDays)
}

func (p *Provider) setRetention(ctx context.Context, name string, days int) error {
	if days <= 0 {
		_, err := p.cloudwatchlogsClient.DeleteRetentionPolicy(ctx, &cloudwatchlogs.DeleteRetentionPolicyInput{LogGroupName: aws.String(name)})
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to clear retention: %w", err)
		}
		return nil
	}
	if _, err := p.cloudwatchlogsClient.PutRetentionPolicy(ctx, &cloudwatchlogs.PutRetentionPolicyInput{
		LogGroupName:    aws.String(name),
		RetentionInDays: aws.Int32(int32(days)),
	}); err != nil {
		return fmt.Errorf("failed to set retention: %w", err)
	}
	return nil
}

func (p *Provider) deleteLogGroup(ctx context.Context, name string) error {
	if _, err := p.cloudwatchlogsClient.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{LogGroupName: aws.String(name)}); err != nil {
		return fmt.Errorf("failed to delete log group: %w", err)
	}
	return nil
}
