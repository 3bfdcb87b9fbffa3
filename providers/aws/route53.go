package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/elasticloadbalancingv2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"github.com/stackr-io/stackr/pkg/provider"
)

// RecordSetConfig is a plain record set, or an alias to a load balancer when
// LoadBalancer holds its ARN.
type RecordSetConfig struct {
	ZoneID       string   `json:"zoneId"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	TTL          int64    `json:"ttl"`
	Values       []string `json:"values"`
	LoadBalancer string   `json:"loadBalancer"`
}

func (p *Provider) upsertRecord(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[RecordSetConfig](spec)
	if err != nil {
		return "", err
	}
	if desired.LoadBalancer != "" && desired.Type == "" {
		desired.Type = string(types.RRTypeA)
	}
	for field, value := range map[string]string{"zoneId": desired.ZoneID, "name": desired.Name, "type": desired.Type} {
		if err := required(field, value); err != nil {
			return "", err
		}
	}
	rs, err := p.desiredRecordSet(ctx, desired)
	if err != nil {
		return "", err
	}
	if err := p.changeRecord(ctx, types.ChangeActionUpsert, desired.ZoneID, rs); err != nil {
		return "", err
	}
	return recordID(desired.ZoneID, fqdn(desired.Name), strings.ToUpper(desired.Type)), nil
}

func (p *Provider) updateRecord(ctx context.Context, id string, spec map[string]any) error {
	zoneID, name, typ, err := parseRecordID(id)
	if err != nil {
		return err
	}
	desired, err := decodeSpec[RecordSetConfig](spec)
	if err != nil {
		return err
	}
	desired.ZoneID, desired.Name, desired.Type = zoneID, name, typ
	rs, err := p.desiredRecordSet(ctx, desired)
	if err != nil {
		return err
	}
	return p.changeRecord(ctx, types.ChangeActionUpsert, zoneID, rs)
}

// deleteRecord looks the record up first because Route53 only deletes a
// record set that matches exactly.
func (p *Provider) deleteRecord(ctx context.Context, id string) error {
	zoneID, name, typ, err := parseRecordID(id)
	if err != nil {
		return err
	}
	resp, err := p.route53Client.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRType(typ),
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("failed to look up record %s: %w", name, err)
	}
	for _, rs := range resp.ResourceRecordSets {
		if fqdn(aws.ToString(rs.Name)) == name && string(rs.Type) == typ {
			return p.changeRecord(ctx, types.ChangeActionDelete, zoneID, &rs)
		}
	}
	return nil
}

func (p *Provider) changeRecord(ctx context.Context, action types.ChangeAction, zoneID string, rs *types.ResourceRecordSet) error {
	_, err := p.route53Client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("managed by stackr"),
			Changes: []types.Change{{Action: action, ResourceRecordSet: rs}},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to %s record %s: %w", strings.ToLower(string(action)), aws.ToString(rs.Name), err)
	}
	return nil
}

// desiredRecordSet builds the record set, resolving a load balancer alias.
func (p *Provider) desiredRecordSet(ctx context.Context, cfg RecordSetConfig) (*types.ResourceRecordSet, error) {
	if cfg.LoadBalancer == "" {
		return recordSet(cfg), nil
	}
	resp, err := p.elbv2Client.DescribeLoadBalancers(ctx, &elasticloadbalancingv2.DescribeLoadBalancersInput{
		LoadBalancerArns: []string{cfg.LoadBalancer},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to look up load balancer for %s: %w", cfg.Name, err)
	}
	if len(resp.LoadBalancers) == 0 {
		return nil, provider.Permanentf("load balancer %s not found", cfg.LoadBalancer)
	}
	lb := resp.LoadBalancers[0]
	return aliasRecordSet(cfg, aws.ToString(lb.DNSName), aws.ToString(lb.CanonicalHostedZoneId)), nil
}

func aliasRecordSet(cfg RecordSetConfig, dnsName, zoneID string) *types.ResourceRecordSet {
	return &types.ResourceRecordSet{
		Name: aws.String(fqdn(cfg.Name)),
		Type: types.RRType(strings.ToUpper(cfg.Type)),
		AliasTarget: &types.AliasTarget{
			DNSName:      aws.String(dnsName),
			HostedZoneId: aws.String(zoneID),
		},
	}
}

func recordSet(cfg RecordSetConfig) *types.ResourceRecordSet {
	ttl := cfg.TTL
	if ttl == 0 {
		ttl = 300
	}
	rs := &types.ResourceRecordSet{
		Name: aws.String(fqdn(cfg.Name)),
		Type: types.RRType(strings.ToUpper(cfg.Type)),
		TTL:  aws.Int64(ttl),
	}
	for _, v := range cfg.Values {
		rs.ResourceRecords = append(rs.ResourceRecords, types.ResourceRecord{Value: aws.String(v)})
	}
	return rs
}

// fqdn returns name with the trailing dot Route53 reports.
func fqdn(name string) string {
	if strings.HasSuffix(name, ".") {
		return name
	}
	return name + "."
}
