package aws

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/stackr-io/stackr/pkg/provider"
)

type ClusterConfig struct {
	Name              string `json:"name"`
	ContainerInsights bool   `json:"containerInsights"`
	// ServiceConnectNamespace is the Cloud Map namespace services join by
	// default. ECS creates it when it does not exist.
	ServiceConnectNamespace string `json:"serviceConnectNamespace"`
}

type TaskDefinitionConfig struct {
	Family           string                `json:"family"`
	NetworkMode      string                `json:"networkMode"`
	Cpu              string                `json:"cpu"`
	Memory           string                `json:"memory"`
	ExecutionRoleArn string                `json:"executionRoleArn"`
	TaskRoleArn      string                `json:"taskRoleArn"`
	Containers       []ContainerDefinition `json:"containers"`
	Volumes          []TaskVolume          `json:"volumes"`
}

type ContainerDefinition struct {
	Name         string            `json:"name"`
	Image        string            `json:"image"`
	Cpu          int               `json:"cpu"`
	Memory       int               `json:"memory"`
	Essential    *bool             `json:"essential"`
	PortMappings []PortMapping     `json:"portMappings"`
	Environment  map[string]string `json:"environment"`
	MountPoints  []MountPoint      `json:"mountPoints"`
	Ulimits      []Ulimit          `json:"ulimits"`
	LogGroup     string            `json:"logGroup"`
	LogPrefix    string            `json:"logPrefix"`
}

// PortMapping exposes a container port. Service Connect refers to it by Name.
type PortMapping struct {
	Name          string `json:"name"`
	ContainerPort int    `json:"containerPort"`
	HostPort      int    `json:"hostPort"`
	Protocol      string `json:"protocol"`
	AppProtocol   string `json:"appProtocol"`
}

type Ulimit struct {
	Name      string `json:"name"`
	SoftLimit int    `json:"softLimit"`
	HardLimit int    `json:"hardLimit"`
}

type MountPoint struct {
	SourceVolume  string `json:"sourceVolume"`
	ContainerPath string `json:"containerPath"`
	ReadOnly      bool   `json:"readOnly"`
}

// TaskVolume attaches an EFS file system to the task. AccessPoint is an
// access point id or the root path of one on the file system.
type TaskVolume struct {
	Name         string `json:"name"`
	FileSystemID string `json:"fileSystemId"`
	AccessPoint  string `json:"accessPoint"`
	IAM          bool   `json:"iam"`
}

type ServiceConfig struct {
	Name            string           `json:"name"`
	Cluster         string           `json:"cluster"`
	TaskDefinition  string           `json:"taskDefinition"`
	DesiredCount    int              `json:"desiredCount"`
	LaunchType      string           `json:"launchType"`
	PlatformVersion string           `json:"platformVersion"`
	Subnets         []string         `json:"subnets"`
	SubnetSelection *SubnetSelection `json:"subnetSelection"`
	SecurityGroups  []string         `json:"securityGroups"`
	AssignPublicIP  bool             `json:"assignPublicIp"`
	CircuitBreaker  bool             `json:"circuitBreaker"`
	LoadBalancers   []LoadBalancer   `json:"loadBalancers"`
	ServiceConnect  *ServiceConnect  `json:"serviceConnect"`
}

// LoadBalancer registers a container with a target group. LoadBalancer names
// a load balancer with exactly one target group, as an alternative to the
// target group ARN.
type LoadBalancer struct {
	TargetGroupArn string `json:"targetGroupArn"`
	LoadBalancer   string `json:"loadBalancer"`
	ContainerName  string `json:"containerName"`
	ContainerPort  int    `json:"containerPort"`
}

// ServiceConnect makes the service reachable inside a Cloud Map namespace.
// A service with no Services entries is a client only.
type ServiceConnect struct {
	Namespace string                  `json:"namespace"`
	Services  []ServiceConnectService `json:"services"`
}

type ServiceConnectService struct {
	PortName      string        `json:"portName"`
	DiscoveryName string        `json:"discoveryName"`
	ClientAliases []ClientAlias `json:"clientAliases"`
}

type ClientAlias struct {
	Port    int    `json:"port"`
	DNSName string `json:"dnsName"`
}

func (p *Provider) createCluster(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[ClusterConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("name", desired.Name); err != nil {
		return "", err
	}

	input := &ecs.CreateClusterInput{
		ClusterName: aws.String(desired.Name),
		Settings:    clusterSettings(desired),
	}
	if desired.ServiceConnectNamespace != "" {
		input.ServiceConnectDefaults = &types.ClusterServiceConnectDefaultsRequest{
			Namespace: aws.String(desired.ServiceConnectNamespace),
		}
	}
	resp, err := p.ecsClient.CreateCluster(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create cluster: %w", err)
	}
	return aws.ToString(resp.Cluster.ClusterArn), nil
}

func (p *Provider) updateCluster(ctx context.Context, clusterArn string, spec map[string]any) error {
	desired, err := decodeSpec[ClusterConfig](spec)
	if err != nil {
		return err
	}
	if _, err := p.ecsClient.UpdateClusterSettings(ctx, &ecs.UpdateClusterSettingsInput{
		Cluster:  aws.String(clusterArn),
		Settings: clusterSettings(desired),
	}); err != nil {
		return fmt.Errorf("failed to update cluster: %w", err)
	}
	if desired.ServiceConnectNamespace != "" {
		if _, err := p.ecsClient.UpdateCluster(ctx, &ecs.UpdateClusterInput{
			Cluster: aws.String(clusterArn),
			ServiceConnectDefaults: &types.ClusterServiceConnectDefaultsRequest{
				Namespace: aws.String(desired.ServiceConnectNamespace),
			},
		}); err != nil {
			return fmt.Errorf("failed to set service connect namespace: %w", err)
		}
	}
	return nil
}

func (p *Provider) deleteCluster(ctx context.Context, clusterArn string) error {
	if _, err := p.ecsClient.DeleteCluster(ctx, &ecs.DeleteClusterInput{Cluster: aws.String(clusterArn)}); err != nil {
		return fmt.Errorf("failed to delete cluster: %w", err)
	}
	return nil
}

func clusterSettings(cfg ClusterConfig) []types.ClusterSetting {
	value := "disabled"
	if cfg.ContainerInsights {
		value = "enabled"
	}
	return []types.ClusterSetting{{Name: types.ClusterSettingNameContainerInsights, Value: aws.String(value)}}
}

func (p *Provider) registerTaskDefinition(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[TaskDefinitionConfig](spec)
	if err != nil {
		return "", err
	}
	if err := required("family", desired.Family); err != nil {
		return "", err
	}
	if len(desired.Containers) == 0 {
		return "", required("containers", "")
	}
	if desired.NetworkMode == "" {
		desired.NetworkMode = string(types.NetworkModeAwsvpc)
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(desired.Family),
		NetworkMode:             types.NetworkMode(desired.NetworkMode),
		ContainerDefinitions:    p.containerDefinitions(desired.Containers),
		RequiresCompatibilities: []types.Compatibility{types.CompatibilityFargate},
	}
	if desired.Cpu != "" {
		input.Cpu = aws.String(desired.Cpu)
	}
	if desired.Memory != "" {
		input.Memory = aws.String(desired.Memory)
	}
	if desired.ExecutionRoleArn != "" {
		input.ExecutionRoleArn = aws.String(desired.ExecutionRoleArn)
	}
	if desired.TaskRoleArn != "" {
		input.TaskRoleArn = aws.String(desired.TaskRoleArn)
	}
	for _, v := range desired.Volumes {
		efsConfig := &types.EFSVolumeConfiguration{
			FileSystemId:      aws.String(v.FileSystemID),
			TransitEncryption: types.EFSTransitEncryptionEnabled,
		}
		if v.AccessPoint != "" {
			apID, err := p.accessPointID(ctx, v.FileSystemID, v.AccessPoint)
			if err != nil {
				return "", err
			}
			efsConfig.AuthorizationConfig = &types.EFSAuthorizationConfig{AccessPointId: aws.String(apID)}
			if v.IAM {
				efsConfig.AuthorizationConfig.Iam = types.EFSAuthorizationConfigIAMEnabled
			}
		}
		input.Volumes = append(input.Volumes, types.Volume{
			Name:                   aws.String(v.Name),
			EfsVolumeConfiguration: efsConfig,
		})
	}

	resp, err := p.ecsClient.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to register task definition: %w", err)
	}
	return aws.ToString(resp.TaskDefinition.TaskDefinitionArn), nil
}

func (p *Provider) containerDefinitions(containers []ContainerDefinition) []types.ContainerDefinition {
	var defs []types.ContainerDefinition
	for _, c := range containers {
		def := types.ContainerDefinition{
			Name:      aws.String(c.Name),
			Image:     aws.String(c.Image),
			Cpu:       int32(c.Cpu),
			Essential: c.Essential,
		}
		if c.Memory > 0 {
			def.Memory = aws.Int32(int32(c.Memory))
		}
		for _, m := range c.PortMappings {
			protocol := m.Protocol
			if protocol == "" {
				protocol = "tcp"
			}
			pm := types.PortMapping{
				ContainerPort: aws.Int32(int32(m.ContainerPort)),
				HostPort:      aws.Int32(int32(m.HostPort)),
				Protocol:      types.TransportProtocol(protocol),
			}
			if m.Name != "" {
				pm.Name = aws.String(m.Name)
			}
			if m.AppProtocol != "" {
				pm.AppProtocol = types.ApplicationProtocol(m.AppProtocol)
			}
			def.PortMappings = append(def.PortMappings, pm)
		}
		for _, u := range c.Ulimits {
			def.Ulimits = append(def.Ulimits, types.Ulimit{
				Name:      types.UlimitName(strings.ToLower(u.Name)),
				SoftLimit: int32(u.SoftLimit),
				HardLimit: int32(u.HardLimit),
			})
		}
		for _, k := range sortedKeys(c.Environment) {
			def.Environment = append(def.Environment, types.KeyValuePair{Name: aws.String(k), Value: aws.String(c.Environment[k])})
		}
		for _, mp := range c.MountPoints {
			def.MountPoints = append(def.MountPoints, types.MountPoint{
				SourceVolume:  aws.String(mp.SourceVolume),
				ContainerPath: aws.String(mp.ContainerPath),
				ReadOnly:      aws.Bool(mp.ReadOnly),
			})
		}
		if c.LogGroup != "" {
			prefix := c.LogPrefix
			if prefix == "" {
				prefix = c.Name
			}
			def.LogConfiguration = &types.LogConfiguration{
				LogDriver: types.LogDriverAwslogs,
				Options: map[string]string{
					"awslogs-group":         c.LogGroup,
					"awslogs-region":        p.region,
					"awslogs-stream-prefix": prefix,
				},
			}
		}
		defs = append(defs, def)
	}
	return defs
}

func (p *Provider) deregisterTaskDefinition(ctx context.Context, arn string) error {
	if _, err := p.ecsClient.DeregisterTaskDefinition(ctx, &ecs.DeregisterTaskDefinitionInput{
		TaskDefinition: aws.String(arn),
	}); err != nil {
		return fmt.Errorf("failed to deregister task definition: %w", err)
	}
	return nil
}

func (p *Provider) createService(ctx context.Context, spec map[string]any) (string, error) {
	desired, err := decodeSpec[ServiceConfig](spec)
	if err != nil {
		return "", err
	}
	for field, value := range map[string]string{"name": desired.Name, "cluster": desired.Cluster, "taskDefinition": desired.TaskDefinition} {
		if err := required(field, value); err != nil {
			return "", err
		}
	}
	if desired.LaunchType == "" {
		desired.LaunchType = string(types.LaunchTypeFargate)
	}

	input := &ecs.CreateServiceInput{
		ServiceName:    aws.String(desired.Name),
		Cluster:        aws.String(desired.Cluster),
		TaskDefinition: aws.String(desired.TaskDefinition),
		DesiredCount:   aws.Int32(int32(desired.DesiredCount)),
		LaunchType:     types.LaunchType(desired.LaunchType),
		ClientToken:    aws.String("stackr-" + desired.Name),
	}
	if desired.PlatformVersion != "" {
		input.PlatformVersion = aws.String(desired.PlatformVersion)
	}
	if desired.CircuitBreaker {
		input.DeploymentConfiguration = circuitBreaker()
	}
	if input.NetworkConfiguration, err = p.serviceNetwork(ctx, desired); err != nil {
		return "", err
	}
	if input.LoadBalancers, err = p.serviceLoadBalancers(ctx, desired.LoadBalancers); err != nil {
		return "", err
	}
	if desired.ServiceConnect != nil {
		if input.ServiceConnectConfiguration, err = serviceConnect(*desired.ServiceConnect); err != nil {
			return "", err
		}
	}

	resp, err := p.ecsClient.CreateService(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to create service: %w", err)
	}
	return aws.ToString(resp.Service.ServiceArn), nil
}

func (p *Provider) updateService(ctx context.Context, arn string, spec map[string]any) error {
	desired, err := decodeSpec[ServiceConfig](spec)
	if err != nil {
		return err
	}
	cluster, service, err := serviceRef(arn)
	if err != nil {
		return err
	}
	if cluster == "" {
		cluster = desired.Cluster
	}

	input := &ecs.UpdateServiceInput{
		Cluster:      aws.String(cluster),
		Service:      aws.String(service),
		DesiredCount: aws.Int32(int32(desired.DesiredCount)),
	}
	if desired.TaskDefinition != "" {
		input.TaskDefinition = aws.String(desired.TaskDefinition)
	}
	if desired.PlatformVersion != "" {
		input.PlatformVersion = aws.String(desired.PlatformVersion)
	}
	if desired.CircuitBreaker {
		input.DeploymentConfiguration = circuitBreaker()
	}
	if input.NetworkConfiguration, err = p.serviceNetwork(ctx, desired); err != nil {
		return err
	}
	if len(desired.LoadBalancers) > 0 {
		if input.LoadBalancers, err = p.serviceLoadBalancers(ctx, desired.LoadBalancers); err != nil {
			return err
		}
	}
	if desired.ServiceConnect != nil {
		if input.ServiceConnectConfiguration, err = serviceConnect(*desired.ServiceConnect); err != nil {
			return err
		}
	}
	if _, err := p.ecsClient.UpdateService(ctx, input); err != nil {
		return fmt.Errorf("failed to update service: %w", err)
	}
	return nil
}

func (p *Provider) deleteService(ctx context.Context, arn string) error {
	cluster, service, err := serviceRef(arn)
	if err != nil {
		return err
	}
	input := &ecs.DeleteServiceInput{
		Service: aws.String(service),
		Force:   aws.Bool(true),
	}
	if cluster != "" {
		input.Cluster = aws.String(cluster)
	}
	if _, err := p.ecsClient.DeleteService(ctx, input); err != nil {
		return fmt.Errorf("failed to delete service: %w", err)
	}
	return nil
}

func circuitBreaker() *types.DeploymentConfiguration {
	return &types.DeploymentConfiguration{
		DeploymentCircuitBreaker: &types.DeploymentCircuitBreaker{Enable: true, Rollback: true},
	}
}

func (p *Provider) serviceNetwork(ctx context.Context, desired ServiceConfig) (*types.NetworkConfiguration, error) {
	subnets, err := p.resolveSubnets(ctx, desired.Subnets, desired.SubnetSelection)
	if err != nil {
		return nil, err
	}
	if len(subnets) == 0 {
		return nil, nil
	}
	assignPublic := types.AssignPublicIpDisabled
	if desired.AssignPublicIP {
		assignPublic = types.AssignPublicIpEnabled
	}
	return &types.NetworkConfiguration{
		AwsvpcConfiguration: &types.AwsVpcConfiguration{
			Subnets:        subnets,
			SecurityGroups: desired.SecurityGroups,
			AssignPublicIp: assignPublic,
		},
	}, nil
}

// serviceLoadBalancers resolves load balancer references to their target
// group.
func (p *Provider) serviceLoadBalancers(ctx context.Context, lbs []LoadBalancer) ([]types.LoadBalancer, error) {
	var out []types.LoadBalancer
	for i, lb := range lbs {
		tgArn := lb.TargetGroupArn
		switch {
		case tgArn != "" && lb.LoadBalancer != "":
			return nil, provider.Permanentf("spec.loadBalancers[%d]: set targetGroupArn or loadBalancer, not both", i)
		case tgArn == "":
			if err := required(fmt.Sprintf("loadBalancers[%d].loadBalancer", i), lb.LoadBalancer); err != nil {
				return nil, err
			}
			arns, err := p.targetGroupsOf(ctx, lb.LoadBalancer)
			if err != nil {
				return nil, err
			}
			if len(arns) != 1 {
				return nil, provider.Permanentf("load balancer %s has %d target groups, expected exactly one", lb.LoadBalancer, len(arns))
			}
			tgArn = arns[0]
		}
		out = append(out, types.LoadBalancer{
			TargetGroupArn: aws.String(tgArn),
			ContainerName:  aws.String(lb.ContainerName),
			ContainerPort:  aws.Int32(int32(lb.ContainerPort)),
		})
	}
	return out, nil
}

func serviceConnect(cfg ServiceConnect) (*types.ServiceConnectConfiguration, error) {
	out := &types.ServiceConnectConfiguration{Enabled: true}
	if cfg.Namespace != "" {
		out.Namespace = aws.String(cfg.Namespace)
	}
	for i, svc := range cfg.Services {
		if err := required(fmt.Sprintf("serviceConnect.services[%d].portName", i), svc.PortName); err != nil {
			return nil, err
		}
		entry := types.ServiceConnectService{PortName: aws.String(svc.PortName)}
		if svc.DiscoveryName != "" {
			entry.DiscoveryName = aws.String(svc.DiscoveryName)
		}
		for _, alias := range svc.ClientAliases {
			a := types.ServiceConnectClientAlias{Port: aws.Int32(int32(alias.Port))}
			if alias.DNSName != "" {
				a.DnsName = aws.String(alias.DNSName)
			}
			entry.ClientAliases = append(entry.ClientAliases, a)
		}
		out.Services = append(out.Services, entry)
	}
	return out, nil
}
