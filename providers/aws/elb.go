package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2/types"
)

type LoadBalancerConfig struct {
	Name            string            `json:"name"`
	Type            string            `json:"type"`
	Scheme          string            `json:"scheme"`
	Subnets         []string          `json:"subnets"`
	SubnetSelection *SubnetSelection  `json:"subnetSelection"`
	SecurityGroups  []string          `json:"securityGroups"`
	VpcID           string            `json:"vpcId"`
	TargetGroup     *TargetGroup      `json:"targetGroup"`
	Listener        *Listener         `json:"listener"`
	Tags            map[string]string `json:"tags"`
}

// TargetGroup is the load balancer's single forward target. It is named after
// the load balancer unless a name is given.
type TargetGroup struct {
	Name        string      `json:"name"`
	Port        int         `json:"port"`
	Protocol    string      `json:"protocol"`
	TargetType  string      `json:"targetType"`
	HealthCheck HealthCheck `json:"healthCheck"`
}

type HealthCheck struct {
	Path    string `json:"path"`
	Matcher string `json:"matcher"`
}

type Listener struct {
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	CertificateArn string `json:"certificateArn"`
}

// withDefaults fills the target group and listener the way an HTTP service
// behind an application load balancer usually wants them.
func (cfg LoadBalancerConfig) withDefaults() LoadBalancerConfig {
	if cfg.Type == "" {
		cfg.Type = string(types.LoadBalancerTypeEnumApplication)
	}
	if tg := cfg.TargetGroup; tg != nil {
		copied := *tg
		if copied.Name == "" {
			copied.Name = cfg.Name
		}
		if copied.Protocol == "" {
			copied.Protocol = string(types.ProtocolEnumHttp)
		}
		if copied.TargetType == "" {
			copied.TargetType = string(types.TargetTypeEnumIp)
		}
		if copied.HealthCheck.Path == "" {
			copied.HealthCheck.Path = "/"
		}
		if copied.HealthCheck.Matcher == "" {
			copied.HealthCheck.Matcher = "200"
		}
		cfg.TargetGroup = &copied
	}
	if l := cfg.Listener; l != nil {
		copied := *l
		if copied.Protocol == "" {
			copied.Protocol = string(types.ProtocolEnumHttp)
			if copied.CertificateArn != "" {
				copied.Protocol = string(types.ProtocolEnumHttps)
			}
		}
		if copied.Port == 0 {
			copied.Port = 80
			if copied.Protocol == string(types.ProtocolEnumHttps) {
				copied.Port = 443
			}
		}
		cfg.Listener = &copied
	}
	return cfg
}

func (cfg LoadBalancerConfig) validate() error {
	if err := required("name", cfg.Name); err != nil {
		return err
	}
	if cfg.Listener != nil && cfg.TargetGroup == nil {
		return required("targetGroup", "")
	}
	if cfg.TargetGroup != nil {
		if err := required("vpcId", cfg.VpcID); err != nil {
			return err
		}
		if cfg.TargetGroup.Port <= 0 {
			return required("targetGroup.port", "")
		}
	}
	return nil
}

func (p *Provider) createLoadBalancer(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[LoadBalancerConfig](spec)
	if err != nil {
		return "", err
	}
	desired = desired.withDefaults()
	if err := desired.validate(); err != nil {
		return "", err
	}
	subnets, err := p.resolveSubnets(ctx, desired.Subnets, desired.SubnetSelection)
	if err != nil {
		return "", err
	}

	input := &elasticloadbalancingv2.CreateLoadBalancerInput{
		Name:           aws.String(desired.Name),
		Subnets:        subnets,
		SecurityGroups: desired.SecurityGroups,
		Type:           types.LoadBalancerTypeEnum(desired.Type),
		Tags:           elbTags(desired.Tags),
	}
	if desired.Scheme != "" {
		input.Scheme = types.LoadBalancerSchemeEnum(desired.Scheme)
	}

	resp, err := p.elbv2Client.CreateLoadBalancer(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create load balancer: %w", err)
	}
	if len(resp.LoadBalancers) == 0 {
		return "", fmt.Errorf("create load balancer returned no load balancer")
	}
	arn := aws.ToString(resp.LoadBalancers[0].LoadBalancerArn)

	if desired.TargetGroup != nil {
		if err := p.createTargetGroup(ctx, arn, desired); err != nil {
			_ = p.deleteLoadBalancer(context.WithoutCancel(ctx), arn)
			return "", err
		}
	}
	return arn, nil
}

// createTargetGroup adds the target group and, when configured, a listener
// on arn that forwards to it.
func (p *Provider) createTargetGroup(ctx context.Context, arn string, desired LoadBalancerConfig) error {
	tg := desired.TargetGroup
	resp, err := p.elbv2Client.CreateTargetGroup(ctx, &elasticloadbalancingv2.CreateTargetGroupInput{
		Name:            aws.String(tg.Name),
		Port:            aws.Int32(int32(tg.Port)),
		Protocol:        types.ProtocolEnum(tg.Protocol),
		VpcId:           aws.String(desired.VpcID),
		TargetType:      types.TargetTypeEnum(tg.TargetType),
		HealthCheckPath: aws.String(tg.HealthCheck.Path),
		Matcher:         &types.Matcher{HttpCode: aws.String(tg.HealthCheck.Matcher)},
		Tags:            elbTags(desired.Tags),
	})
	if err != nil {
		return fmt.Errorf("failed to create target group %s: %w", tg.Name, err)
	}
	if len(resp.TargetGroups) == 0 {
		return fmt.Errorf("create target group returned no target group")
	}
	tgArn := resp.TargetGroups[0].TargetGroupArn

	if l := desired.Listener; l != nil {
		input := &elasticloadbalancingv2.CreateListenerInput{
			LoadBalancerArn: aws.String(arn),
			Port:            aws.Int32(int32(l.Port)),
			Protocol:        types.ProtocolEnum(l.Protocol),
			DefaultActions:  []types.Action{{Type: types.ActionTypeEnumForward, TargetGroupArn: tgArn}},
		}
		if l.CertificateArn != "" {
			input.Certificates = []types.Certificate{{CertificateArn: aws.String(l.CertificateArn)}}
		}
		if _, err := p.elbv2Client.CreateListener(ctx, input); err != nil {
			// Not attached yet, so deleting the load balancer would miss it.
			_, _ = p.elbv2Client.DeleteTargetGroup(context.WithoutCancel(ctx), &elasticloadbalancingv2.DeleteTargetGroupInput{TargetGroupArn: tgArn})
			return fmt.Errorf("failed to create listener on port %d: %w", l.Port, err)
		}
	}
	return nil
}

func (p *Provider) updateLoadBalancer(ctx context.Context, arn string, spec map[string]any) error {
	desired, err := decodeSpec[LoadBalancerConfig](spec)
	if err != nil {
		return err
	}
	desired = desired.withDefaults()
	if len(desired.SecurityGroups) > 0 {
		if _, err := p.elbv2Client.SetSecurityGroups(ctx, &elasticloadbalancingv2.SetSecurityGroupsInput{
			LoadBalancerArn: aws.String(arn),
			SecurityGroups:  desired.SecurityGroups,
		}); err != nil {
			return fmt.Errorf("failed to set load balancer security groups: %w", err)
		}
	}
	subnets, err := p.resolveSubnets(ctx, desired.Subnets, desired.SubnetSelection)
	if err != nil {
		return err
	}
	if len(subnets) > 0 {
		if _, err := p.elbv2Client.SetSubnets(ctx, &elasticloadbalancingv2.SetSubnetsInput{
			LoadBalancerArn: aws.String(arn),
			Subnets:         subnets,
		}); err != nil {
			return fmt.Errorf("failed to set load balancer subnets: %w", err)
		}
	}

	if tg := desired.TargetGroup; tg != nil {
		tgArns, err := p.targetGroupsOf(ctx, arn)
		if err != nil {
			return err
		}
		for _, tgArn := range tgArns {
			if _, err := p.elbv2Client.ModifyTargetGroup(ctx, &elasticloadbalancingv2.ModifyTargetGroupInput{
				TargetGroupArn:  aws.String(tgArn),
				HealthCheckPath: aws.String(tg.HealthCheck.Path),
				Matcher:         &types.Matcher{HttpCode: aws.String(tg.HealthCheck.Matcher)},
			}); err != nil {
				return fmt.Errorf("failed to update health check: %w", err)
			}
		}
	}
	return nil
}

// deleteLoadBalancer removes the load balancer and then the target groups it
// forwarded to. Listeners go with the load balancer. A retry after the load
// balancer is gone finds its default target group by name.
func (p *Provider) deleteLoadBalancer(ctx context.Context, arn string) error {
	tgArns, err := p.targetGroupsOf(ctx, arn)
	if isNotFound(err) {
		tgArns, err = p.targetGroupsNamed(ctx, loadBalancerName(arn))
	}
	if err != nil {
		return err
	}
	if _, err := p.elbv2Client.DeleteLoadBalancer(ctx, &elasticloadbalancingv2.DeleteLoadBalancerInput{
		LoadBalancerArn: aws.String(arn),
	}); err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete load balancer: %w", err)
	}
	for _, tgArn := range tgArns {
		// ResourceInUse while the load balancer drains is retried by the engine.
		if _, err := p.elbv2Client.DeleteTargetGroup(ctx, &elasticloadbalancingv2.DeleteTargetGroupInput{
			TargetGroupArn: aws.String(tgArn),
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete target group: %w", err)
		}
	}
	return nil
}

// targetGroupsOf lists the target groups attached to a load balancer.
func (p *Provider) targetGroupsOf(ctx context.Context, arn string) ([]string, error) {
	resp, err := p.elbv2Client.DescribeTargetGroups(ctx, &elasticloadbalancingv2.DescribeTargetGroupsInput{
		LoadBalancerArn: aws.String(arn),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list target groups: %w", err)
	}
	arns := make([]string, 0, len(resp.TargetGroups))
	for _, tg := range resp.TargetGroups {
		arns = append(arns, aws.ToString(tg.TargetGroupArn))
	}
	return arns, nil
}

func (p *Provider) targetGroupsNamed(ctx context.Context, name string) ([]string, error) {
	if name == "" {
		return nil, nil
	}
	resp, err := p.elbv2Client.DescribeTargetGroups(ctx, &elasticloadbalancingv2.DescribeTargetGroupsInput{
		Names: []string{name},
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up target group %s: %w", name, err)
	}
	arns := make([]string, 0, len(resp.TargetGroups))
	for _, tg := range resp.TargetGroups {
		arns = append(arns, aws.ToString(tg.TargetGroupArn))
	}
	return arns, nil
}

// loadBalancerName reads the name out of
// arn:aws:elasticloadbalancing:<region>:<account>:loadbalancer/<type>/<name>/<id>.
func loadBalancerName(arn string) string {
	_, resource, ok := strings.Cut(arn, ":loadbalancer/")
	if !ok {
		return ""
	}
	parts := strings.Split(resource, "/")
	if len(parts) != 3 {
		return ""
	}
	return parts[1]
}

func elbTags(tags map[string]string) []types.Tag {
	var out []types.Tag
	for _, k := range sortedKeys(tags) {
		out = append(out, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}
