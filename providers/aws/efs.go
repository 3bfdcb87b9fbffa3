package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/efs/types"
	"github.com/stackr-io/stackr/pkg/provider"
)

// FileSystemConfig is a shared EFS volume with one mount target per subnet.
type FileSystemConfig struct {
	Name            string            `json:"name"`
	PerformanceMode string            `json:"performanceMode"`
	ThroughputMode  string            `json:"throughputMode"`
	Encrypted       bool              `json:"encrypted"`
	LifecyclePolicy string            `json:"lifecyclePolicy"`
	Subnets         []string          `json:"subnets"`
	SubnetSelection *SubnetSelection  `json:"subnetSelection"`
	SecurityGroups  []string          `json:"securityGroups"`
	AccessPoint     *AccessPoint      `json:"accessPoint"`
	Tags            map[string]string `json:"tags"`
}

// AccessPoint is an application entry point into the file system. Tasks
// mounting through it act as PosixUser and see Path as the root.
type AccessPoint struct {
	Path         string       `json:"path"`
	PosixUser    *PosixUser   `json:"posixUser"`
	CreationInfo CreationInfo `json:"creationInfo"`
}

type PosixUser struct {
	UID int64 `json:"uid"`
	GID int64 `json:"gid"`
}

// CreationInfo sets the owner and mode of Path when EFS first creates it.
type CreationInfo struct {
	OwnerUID    int64  `json:"ownerUid"`
	OwnerGID    int64  `json:"ownerGid"`
	Permissions string `json:"permissions"`
}

func (p *Provider) createFileSystem(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[FileSystemConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("name", desired.Name); err != nil {
		return "", err
	}

	input := &efs.CreateFileSystemInput{
		// The creation token makes a retried create return the same file system.
		CreationToken:   aws.String("stackr-" + desired.Name),
		PerformanceMode: types.PerformanceMode(desired.PerformanceMode),
		ThroughputMode:  types.ThroughputMode(desired.ThroughputMode),
		Encrypted:       aws.Bool(desired.Encrypted),
		Tags:            efsTags(desired.Name, desired.Tags),
	}
	resp, err := p.efsClient.CreateFileSystem(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create file system: %w", err)
	}
	fsID := aws.ToString(resp.FileSystemId)

	// Everything below is undone on failure so that a retry starts clean.
	undo := func(err error) (string, error) {
		_ = p.deleteFileSystem(context.WithoutCancel(ctx), fsID)
		return "", err
	}
	if desired.LifecyclePolicy != "" {
		if err := p.setLifecyclePolicy(ctx, fsID, desired.LifecyclePolicy); err != nil {
			return undo(err)
		}
	}
	subnets, err := p.resolveSubnets(ctx, desired.Subnets, desired.SubnetSelection)
	if err != nil {
		return undo(err)
	}
	for _, subnet := range subnets {
		if _, err := p.efsClient.CreateMountTarget(ctx, &efs.CreateMountTargetInput{
			FileSystemId:   aws.String(fsID),
			SubnetId:       aws.String(subnet),
			SecurityGroups: desired.SecurityGroups,
		}); err != nil {
			return undo(fmt.Errorf("failed to create mount target in %s: %w", subnet, err))
		}
	}
	if ap := desired.AccessPoint; ap != nil {
		if _, err := p.efsClient.CreateAccessPoint(ctx, accessPointInput(fsID, desired.Name, *ap)); err != nil {
			return undo(fmt.Errorf("failed to create access point %s: %w", ap.Path, err))
		}
	}
	return fsID, nil
}

func accessPointInput(fsID, name string, ap AccessPoint) *efs.CreateAccessPointInput {
	path := ap.Path
	if path == "" {
		path = "/"
	}
	input := &efs.CreateAccessPointInput{
		FileSystemId: aws.String(fsID),
		ClientToken:  aws.String("stackr-" + name + path),
		Tags:         efsTags(name+path, nil),
		RootDirectory: &types.RootDirectory{
			Path: aws.String(path),
		},
	}
	if ap.PosixUser != nil {
		input.PosixUser = &types.PosixUser{Uid: aws.Int64(ap.PosixUser.UID), Gid: aws.Int64(ap.PosixUser.GID)}
	}
	if ci := ap.CreationInfo; ci.Permissions != "" {
		input.RootDirectory.CreationInfo = &types.CreationInfo{
			OwnerUid:    aws.Int64(ci.OwnerUID),
			OwnerGid:    aws.Int64(ci.OwnerGID),
			Permissions: aws.String(ci.Permissions),
		}
	}
	return input
}

// setLifecyclePolicy moves files to infrequent access after the named period,
// for example AFTER_14_DAYS. An empty policy clears it.
func (p *Provider) setLifecyclePolicy(ctx context.Context, fsID, policy string) error {
	var policies []types.LifecyclePolicy
	if policy != "" {
		policies = []types.LifecyclePolicy{{TransitionToIA: types.TransitionToIARules(policy)}}
	}
	if _, err := p.efsClient.PutLifecycleConfiguration(ctx, &efs.PutLifecycleConfigurationInput{
		FileSystemId:      aws.String(fsID),
		LifecyclePolicies: policies,
	}); err != nil {
		return fmt.Errorf("failed to set lifecycle policy: %w", err)
	}
	return nil
}

// accessPointID returns ref when it is already an access point id, otherwise
// the id of the access point on fsID rooted at path ref.
func (p *Provider) accessPointID(ctx context.Context, fsID, ref string) (string, error) {
	if strings.HasPrefix(ref, "fsap-") {
		return ref, nil
	}
	resp, err := p.efsClient.DescribeAccessPoints(ctx, &efs.DescribeAccessPointsInput{FileSystemId: aws.String(fsID)})
	if err != nil {
		return "", fmt.Errorf("failed to list access points: %w", err)
	}
	for _, ap := range resp.AccessPoints {
		if ap.RootDirectory != nil && aws.ToString(ap.RootDirectory.Path) == ref {
			return aws.ToString(ap.AccessPointId), nil
		}
	}
	return "", provider.Permanentf("file system %s has no access point at %s", fsID, ref)
}

func (p *Provider) updateFileSystem(ctx context.Context, fsID string, spec map[string]any) error {
	desired, err := decodeSpec[FileSystemConfig](spec)
	if err != nil {
		return err
	}
	if err := p.setLifecyclePolicy(ctx, fsID, desired.LifecyclePolicy); err != nil {
		return err
	}
	if desired.ThroughputMode == "" {
		return nil
	}
	if _, err := p.efsClient.UpdateFileSystem(ctx, &efs.UpdateFileSystemInput{
		FileSystemId:   aws.String(fsID),
		ThroughputMode: types.ThroughputMode(desired.ThroughputMode),
	}); err != nil {
		return fmt.Errorf("failed to update file system: %w", err)
	}
	return nil
}

// deleteFileSystem removes access points and mount targets first. EFS refuses
// to delete a file system that still has mount targets, which surfaces as a
// retryable FileSystemInUse.
func (p *Provider) deleteFileSystem(ctx context.Context, fsID string) error {
	aps, err := p.efsClient.DescribeAccessPoints(ctx, &efs.DescribeAccessPointsInput{FileSystemId: aws.String(fsID)})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to list access points: %w", err)
	}
	if aps != nil {
		for _, ap := range aps.AccessPoints {
			if _, err := p.efsClient.DeleteAccessPoint(ctx, &efs.DeleteAccessPointInput{AccessPointId: ap.AccessPointId}); err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to delete access point: %w", err)
			}
		}
	}

	targets, err := p.efsClient.DescribeMountTargets(ctx, &efs.DescribeMountTargetsInput{FileSystemId: aws.String(fsID)})
	if err != nil {
		return fmt.Errorf("failed to list mount targets: %w", err)
	}
	for _, mt := range targets.MountTargets {
		if _, err := p.efsClient.DeleteMountTarget(ctx, &efs.DeleteMountTargetInput{MountTargetId: mt.MountTargetId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete mount target: %w", err)
		}
	}

	if _, err := p.efsClient.DeleteFileSystem(ctx, &efs.DeleteFileSystemInput{FileSystemId: aws.String(fsID)}); err != nil {
		return fmt.Errorf("failed to delete file system: %w", err)
	}
	return nil
}

func efsTags(name string, tags map[string]string) []types.Tag {
	out := []types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
	for _, k := range sortedKeys(tags) {
		if k != "Name" {
			out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
		}
	}
	return out
}
