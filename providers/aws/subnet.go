package aws

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/stackr-io/stackr/pkg/provider"
)

// subnetTypeTag records whether a subnet routes through the internet gateway.
// Other kinds select subnets by it.
const subnetTypeTag = "stackr:subnet-type"

const (
	subnetPublic  = "public"
	subnetPrivate = "private"
)

const natGatewayWait = 10 * time.Minute

// SubnetConfig is one subnet of a Network. Zone indexes the region's
// available zones and wraps when the region has fewer.
type SubnetConfig struct {
	Name      string `json:"name"`
	CidrBlock string `json:"cidrBlock"`
	Zone      int    `json:"zone"`
	Public    bool   `json:"public"`
}

// SubnetSelection picks the subnets a Network created with the given type.
type SubnetSelection struct {
	VpcID string `json:"vpcId"`
	Type  string `json:"type"`
}

type subnetPlan struct {
	Name      string
	CidrBlock string
	Zone      string
	Type      string
}

// planSubnets places every subnet in a zone and checks the layout.
func planSubnets(cfg VpcConfig, zones []string) ([]subnetPlan, error) {
	if len(cfg.Subnets) == 0 {
		if cfg.NatGateway {
			return nil, provider.Permanentf("spec.natGateway needs at least one public subnet")
		}
		return nil, nil
	}
	if len(zones) == 0 {
		return nil, provider.Permanentf("no availability zones available")
	}

	plans := make([]subnetPlan, 0, len(cfg.Subnets))
	seen := make(map[string]bool, len(cfg.Subnets))
	hasPublic := false
	for i, s := range cfg.Subnets {
		if err := required(fmt.Sprintf("subnets[%d].cidrBlock", i), s.CidrBlock); err != nil {
			return nil, err
		}
		if s.Zone < 0 {
			return nil, provider.Permanentf("spec.subnets[%d].zone must not be negative", i)
		}
		if seen[s.CidrBlock] {
			return nil, provider.Permanentf("spec.subnets[%d]: duplicate cidrBlock %s", i, s.CidrBlock)
		}
		seen[s.CidrBlock] = true

		p := subnetPlan{CidrBlock: s.CidrBlock, Zone: zones[s.Zone%len(zones)], Type: subnetPrivate}
		if s.Public {
			p.Type = subnetPublic
			hasPublic = true
		}
		p.Name = s.Name
		if p.Name == "" {
			p.Name = fmt.Sprintf("%s-%s-%d", cfg.Name, p.Type, i)
		}
		plans = append(plans, p)
	}
	if cfg.NatGateway && !hasPublic {
		return nil, provider.Permanentf("spec.natGateway needs at least one public subnet")
	}
	return plans, nil
}

func (p *Provider) availabilityZones(ctx context.Context) ([]string, error) {
	resp, err := p.ec2Client.DescribeAvailabilityZones(ctx, &ec2.DescribeAvailabilityZonesInput{
		Filters: []types.Filter{{Name: aws.String("state"), Values: []string{"available"}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list availability zones: %w", err)
	}
	zones := make([]string, 0, len(resp.AvailabilityZones))
	for _, az := range resp.AvailabilityZones {
		zones = append(zones, aws.ToString(az.ZoneName))
	}
	sort.Strings(zones)
	return zones, nil
}

// createSubnets lays out the subnets of a new VPC. Public subnets share one
// route table through an internet gateway. Private subnets share another,
// routed through a NAT gateway when one is requested.
func (p *Provider) createSubnets(ctx context.Context, vpcID string, desired VpcConfig) error {
	if len(desired.Subnets) == 0 && !desired.NatGateway {
		return nil
	}
	zones, err := p.availabilityZones(ctx)
	if err != nil {
		return err
	}
	plans, err := planSubnets(desired, zones)
	if err != nil {
		return err
	}

	var public, private []string
	for _, plan := range plans {
		resp, err := p.ec2Client.CreateSubnet(ctx, &ec2.CreateSubnetInput{
			VpcId:             aws.String(vpcID),
			CidrBlock:         aws.String(plan.CidrBlock),
			AvailabilityZone:  aws.String(plan.Zone),
			TagSpecifications: tagSpecs(types.ResourceTypeSubnet, plan.Name, map[string]string{subnetTypeTag: plan.Type}),
		})
		if err != nil {
			return fmt.Errorf("failed to create subnet %s: %w", plan.CidrBlock, err)
		}
		id := aws.ToString(resp.Subnet.SubnetId)
		if plan.Type == subnetPublic {
			public = append(public, id)
		} else {
			private = append(private, id)
		}
	}

	if len(public) > 0 {
		igw, err := p.ec2Client.CreateInternetGateway(ctx, &ec2.CreateInternetGatewayInput{
			TagSpecifications: tagSpecs(types.ResourceTypeInternetGateway, desired.Name, nil),
		})
		if err != nil {
			return fmt.Errorf("failed to create internet gateway: %w", err)
		}
		igwID := igw.InternetGateway.InternetGatewayId
		if _, err := p.ec2Client.AttachInternetGateway(ctx, &ec2.AttachInternetGatewayInput{
			InternetGatewayId: igwID,
			VpcId:             aws.String(vpcID),
		}); err != nil {
			return fmt.Errorf("failed to attach internet gateway: %w", err)
		}
		if err := p.routeSubnets(ctx, vpcID, desired.Name+"-public", public, &ec2.CreateRouteInput{GatewayId: igwID}); err != nil {
			return err
		}
		for _, id := range public {
			if _, err := p.ec2Client.ModifySubnetAttribute(ctx, &ec2.ModifySubnetAttributeInput{
				SubnetId:            aws.String(id),
				MapPublicIpOnLaunch: &types.AttributeBooleanValue{Value: aws.Bool(true)},
			}); err != nil {
				return fmt.Errorf("failed to enable public IPs on %s: %w", id, err)
			}
		}
	}

	if len(private) > 0 {
		var route *ec2.CreateRouteInput
		if desired.NatGateway {
			natID, err := p.createNatGateway(ctx, desired.Name, public[0])
			if err != nil {
				return err
			}
			route = &ec2.CreateRouteInput{NatGatewayId: aws.String(natID)}
		}
		if err := p.routeSubnets(ctx, vpcID, desired.Name+"-private", private, route); err != nil {
			return err
		}
	}
	return nil
}

// routeSubnets associates subnets with a new route table. A non-nil default
// route sends 0.0.0.0/0 to its gateway.
func (p *Provider) routeSubnets(ctx context.Context, vpcID, name string, subnets []string, defaultRoute *ec2.CreateRouteInput) error {
	rt, err := p.ec2Client.CreateRouteTable(ctx, &ec2.CreateRouteTableInput{
		VpcId:             aws.String(vpcID),
		TagSpecifications: tagSpecs(types.ResourceTypeRouteTable, name, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to create route table %s: %w", name, err)
	}
	rtID := rt.RouteTable.RouteTableId

	if defaultRoute != nil {
		defaultRoute.RouteTableId = rtID
		defaultRoute.DestinationCidrBlock = aws.String("0.0.0.0/0")
		if _, err := p.ec2Client.CreateRoute(ctx, defaultRoute); err != nil {
			return fmt.Errorf("failed to add default route to %s: %w", name, err)
		}
	}
	for _, subnet := range subnets {
		if _, err := p.ec2Client.AssociateRouteTable(ctx, &ec2.AssociateRouteTableInput{
			RouteTableId: rtID,
			SubnetId:     aws.String(subnet),
		}); err != nil {
			return fmt.Errorf("failed to associate %s with %s: %w", subnet, name, err)
		}
	}
	return nil
}

func (p *Provider) createNatGateway(ctx context.Context, name, subnetID string) (string, error) {
	eip, err := p.ec2Client.AllocateAddress(ctx, &ec2.AllocateAddressInput{
		Domain:            types.DomainTypeVpc,
		TagSpecifications: tagSpecs(types.ResourceTypeElasticIp, name+"-nat", nil),
	})
	if err != nil {
		return "", fmt.Errorf("failed to allocate NAT address: %w", err)
	}
	nat, err := p.ec2Client.CreateNatGateway(ctx, &ec2.CreateNatGatewayInput{
		SubnetId:          aws.String(subnetID),
		AllocationId:      eip.AllocationId,
		TagSpecifications: tagSpecs(types.ResourceTypeNatgateway, name, nil),
	})
	if err != nil {
		_, _ = p.ec2Client.ReleaseAddress(context.WithoutCancel(ctx), &ec2.ReleaseAddressInput{AllocationId: eip.AllocationId})
		return "", fmt.Errorf("failed to create NAT gateway: %w", err)
	}
	natID := aws.ToString(nat.NatGateway.NatGatewayId)

	waiter := ec2.NewNatGatewayAvailableWaiter(p.ec2Client)
	if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: []string{natID}}, natGatewayWait); err != nil {
		return "", fmt.Errorf("NAT gateway %s did not become available: %w", natID, err)
	}
	return natID, nil
}

// deleteSubnets tears down what createSubnets built, in reverse. Anything
// already gone is skipped so a retried delete picks up where it stopped.
func (p *Provider) deleteSubnets(ctx context.Context, vpcID string) error {
	byVpc := []types.Filter{{Name: aws.String("vpc-id"), Values: []string{vpcID}}}

	nats, err := p.ec2Client.DescribeNatGateways(ctx, &ec2.DescribeNatGatewaysInput{Filter: byVpc})
	if err != nil {
		return fmt.Errorf("failed to list NAT gateways: %w", err)
	}
	var pending, allocations []string
	for _, nat := range nats.NatGateways {
		if nat.State == types.NatGatewayStateDeleted || nat.State == types.NatGatewayStateFailed {
			continue
		}
		natID := aws.ToString(nat.NatGatewayId)
		if nat.State != types.NatGatewayStateDeleting {
			if _, err := p.ec2Client.DeleteNatGateway(ctx, &ec2.DeleteNatGatewayInput{NatGatewayId: aws.String(natID)}); err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to delete NAT gateway %s: %w", natID, err)
			}
		}
		pending = append(pending, natID)
		for _, addr := range nat.NatGatewayAddresses {
			if addr.AllocationId != nil {
				allocations = append(allocations, aws.ToString(addr.AllocationId))
			}
		}
	}
	if len(pending) > 0 {
		waiter := ec2.NewNatGatewayDeletedWaiter(p.ec2Client)
		if err := waiter.Wait(ctx, &ec2.DescribeNatGatewaysInput{NatGatewayIds: pending}, natGatewayWait); err != nil {
			return fmt.Errorf("NAT gateways %v were not deleted: %w", pending, err)
		}
	}
	for _, id := range allocations {
		if _, err := p.ec2Client.ReleaseAddress(ctx, &ec2.ReleaseAddressInput{AllocationId: aws.String(id)}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to release address %s: %w", id, err)
		}
	}

	igws, err := p.ec2Client.DescribeInternetGateways(ctx, &ec2.DescribeInternetGatewaysInput{
		Filters: []types.Filter{{Name: aws.String("attachment.vpc-id"), Values: []string{vpcID}}},
	})
	if err != nil {
		return fmt.Errorf("failed to list internet gateways: %w", err)
	}
	for _, igw := range igws.InternetGateways {
		if _, err := p.ec2Client.DetachInternetGateway(ctx, &ec2.DetachInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
			VpcId:             aws.String(vpcID),
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to detach internet gateway: %w", err)
		}
		if _, err := p.ec2Client.DeleteInternetGateway(ctx, &ec2.DeleteInternetGatewayInput{
			InternetGatewayId: igw.InternetGatewayId,
		}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete internet gateway: %w", err)
		}
	}

	tables, err := p.ec2Client.DescribeRouteTables(ctx, &ec2.DescribeRouteTablesInput{Filters: byVpc})
	if err != nil {
		return fmt.Errorf("failed to list route tables: %w", err)
	}
	for _, rt := range tables.RouteTables {
		if isMainRouteTable(rt) {
			continue
		}
		for _, assoc := range rt.Associations {
			if _, err := p.ec2Client.DisassociateRouteTable(ctx, &ec2.DisassociateRouteTableInput{
				AssociationId: assoc.RouteTableAssociationId,
			}); err != nil && !isNotFound(err) {
				return fmt.Errorf("failed to disassociate route table: %w", err)
			}
		}
		if _, err := p.ec2Client.DeleteRouteTable(ctx, &ec2.DeleteRouteTableInput{RouteTableId: rt.RouteTableId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete route table: %w", err)
		}
	}

	subnets, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{Filters: byVpc})
	if err != nil {
		return fmt.Errorf("failed to list subnets: %w", err)
	}
	for _, s := range subnets.Subnets {
		if _, err := p.ec2Client.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: s.SubnetId}); err != nil && !isNotFound(err) {
			return fmt.Errorf("failed to delete subnet %s: %w", aws.ToString(s.SubnetId), err)
		}
	}
	return nil
}

// The main route table goes away with the VPC and cannot be deleted first.
func isMainRouteTable(rt types.RouteTable) bool {
	for _, assoc := range rt.Associations {
		if aws.ToBool(assoc.Main) {
			return true
		}
	}
	return false
}

// resolveSubnets returns explicit subnet ids, or the ids a selection matches.
func (p *Provider) resolveSubnets(ctx context.Context, explicit []string, sel *SubnetSelection) ([]string, error) {
	if sel == nil {
		return explicit, nil
	}
	if err := checkSubnetSelection(explicit, sel); err != nil {
		return nil, err
	}
	resp, err := p.ec2Client.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{sel.VpcID}},
			{Name: aws.String("tag:" + subnetTypeTag), Values: []string{sel.Type}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to select subnets: %w", err)
	}
	ids := make([]string, 0, len(resp.Subnets))
	for _, s := range resp.Subnets {
		ids = append(ids, aws.ToString(s.SubnetId))
	}
	if len(ids) == 0 {
		return nil, provider.Permanentf("no %s subnets found in %s", sel.Type, sel.VpcID)
	}
	sort.Strings(ids)
	return ids, nil
}

func checkSubnetSelection(explicit []string, sel *SubnetSelection) error {
	if len(explicit) > 0 {
		return provider.Permanentf("set spec.subnets or spec.subnetSelection, not both")
	}
	if err := required("subnetSelection.vpcId", sel.VpcID); err != nil {
		return err
	}
	if sel.Type != subnetPublic && sel.Type != subnetPrivate {
		return provider.Permanentf("spec.subnetSelection.type must be %q or %q, got %q", subnetPublic, subnetPrivate, sel.Type)
	}
	return nil
}
