// Package aws maps resource kinds onto AWS APIs through aws-sdk-go-v2.
package aws

import (
	"context"
	"os"
	"sync"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/efs"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/stackr-io/stackr/internal/ir"
	"github.com/stackr-io/stackr/pkg/provider"
)

const defaultRegion = "us-east-1"

type Provider struct {
	region string

	mu                   sync.Mutex
	ec2Client            *ec2.Client
	efsClient            *efs.Client
	ecsClient            *ecs.Client
	elbv2Client          *elasticloadbalancingv2.Client
	route53Client        *route53.Client
	iamClient            *iam.Client
	cloudwatchlogsClient *cloudwatchlogs.Client
}

var _ provider.Provider = (*Provider)(nil)

// New returns an adapter for region. An empty region falls back to
// AWS_REGION, then us-east-1. Clients are created on first use.
func New(region string) *Provider {
	if region == "" {
		region = os.Getenv("AWS_REGION")
	}
	if region == "" {
		region = defaultRegion
	}
	return &Provider{region: region}
}

func (p *Provider) Region() string { return p.region }

func (p *Provider) ensureClient(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ec2Client != nil {
		return nil
	}

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(p.region))
	if err != nil {
		return provider.Permanentf("unable to load SDK config: %w", err)
	}

	p.ec2Client = ec2.NewFromConfig(cfg)
	p.efsClient = efs.NewFromConfig(cfg)
	p.ecsClient = ecs.NewFromConfig(cfg)
	p.elbv2Client = elasticloadbalancingv2.NewFromConfig(cfg)
	p.route53Client = route53.NewFromConfig(cfg)
	p.iamClient = iam.NewFromConfig(cfg)
	p.cloudwatchlogsClient = cloudwatchlogs.NewFromConfig(cfg)
	return nil
}

func (p *Provider) Create(ctx context.Context, kind ir.Kind, spec map[string]any) (string, error) {
	if err := p.ensureClient(ctx); err != nil {
		return "", err
	}

	var (
		id  string
		err error
	)
	switch kind {
	case ir.KindNetwork:
		id, err = p.createVpc(ctx, spec)
	case ir.KindSecurityGroup:
		id, err = p.createSecurityGroup(ctx, spec)
	case ir.KindVolume:
		id, err = p.createFileSystem(ctx, spec)
	case ir.KindCluster:
		id, err = p.createCluster(ctx, spec)
	case ir.KindTaskDefinition:
		id, err = p.registerTaskDefinition(ctx, spec)
	case ir.KindService:
		id, err = p.createService(ctx, spec)
	case ir.KindLoadBalancer:
		id, err = p.createLoadBalancer(ctx, spec)
	case ir.KindDNSRecord:
		id, err = p.upsertRecord(ctx, spec)
	case ir.KindLogGroup:
		id, err = p.createLogGroup(ctx, spec)
	case ir.KindRole:
		id, err = p.createRole(ctx, spec)
	default:
		return "", unsupported(kind)
	}
	if err != nil {
		return "", classify(provider.OpCreate, kind, err)
	}
	return id, nil
}

func (p *Provider) Update(ctx context.Context, kind ir.Kind, externalID string, spec map[string]any) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}

	var err error
	switch kind {
	case ir.KindNetwork:
		err = p.updateVpc(ctx, externalID, spec)
	case ir.KindSecurityGroup:
		err = p.updateSecurityGroup(ctx, externalID, spec)
	case ir.KindVolume:
		err = p.updateFileSystem(ctx, externalID, spec)
	case ir.KindCluster:
		err = p.updateCluster(ctx, externalID, spec)
	case ir.KindTaskDefinition:
		err = provider.Permanentf("task definition revisions are immutable; taint %s to replace it", externalID)
	case ir.KindService:
		err = p.updateService(ctx, externalID, spec)
	case ir.KindLoadBalancer:
		err = p.updateLoadBalancer(ctx, externalID, spec)
	case ir.KindDNSRecord:
		err = p.updateRecord(ctx, externalID, spec)
	case ir.KindLogGroup:
		err = p.updateLogGroup(ctx, externalID, spec)
	case ir.KindRole:
		err = p.updateRole(ctx, externalID, spec)
	default:
		return unsupported(kind)
	}
	return classify(provider.OpUpdate, kind, err)
}

// Delete removes the resource. Resources already gone are not an error.
func (p *Provider) Delete(ctx context.Context, kind ir.Kind, externalID string) error {
	if err := p.ensureClient(ctx); err != nil {
		return err
	}

	var err error
	switch kind {
	case ir.KindNetwork:
		err = p.deleteVpc(ctx, externalID)
	case ir.KindSecurityGroup:
		err = p.deleteSecurityGroup(ctx, externalID)
	case ir.KindVolume:
		err = p.deleteFileSystem(ctx, externalID)
	case ir.KindCluster:
		err = p.deleteCluster(ctx, externalID)
	case ir.KindTaskDefinition:
		err = p.deregisterTaskDefinition(ctx, externalID)
	case ir.KindService:
		err = p.deleteService(ctx, externalID)
	case ir.KindLoadBalancer:
		err = p.deleteLoadBalancer(ctx, externalID)
	case ir.KindDNSRecord:
		err = p.deleteRecord(ctx, externalID)
	case ir.KindLogGroup:
		err = p.deleteLogGroup(ctx, externalID)
	case ir.KindRole:
		err = p.deleteRole(ctx, externalID)
	default:
		return unsupported(kind)
	}
	if isNotFound(err) {
		return nil
	}
	return classify(provider.OpDelete, kind, err)
}

func unsupported(kind ir.Kind) error {
	return provider.Permanentf("aws: unsupported resource kind %q", kind)
}
