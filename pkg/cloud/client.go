package cloud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"

	"github.com/cuemby/labfleet/pkg/metrics"
)

// callTimeout bounds every cloud SDK call
const callTimeout = 30 * time.Second

// metricsWindow is the averaging window for resource metrics
const metricsWindow = 5 * time.Minute

// ManagedTag marks instances created by labfleet
const ManagedTag = "labfleet:managed"

// ErrInstanceNotFound is returned when the instance no longer exists
var ErrInstanceNotFound = errors.New("instance not found")

// Credentials are the static keys loaded from configuration
type Credentials struct {
	AccessKey string
	SecretKey string
}

// InstanceStatus is the health snapshot from describe-instance-status
type InstanceStatus struct {
	State               string
	InstanceStatusCheck string
	SystemStatusCheck   string
}

// InstanceDetails is the descriptive snapshot from describe-instance.
// MonitoringState is "enabled" when detailed monitoring is on.
type InstanceDetails struct {
	InstanceID      string
	State           string
	InstanceType    string
	ImageID         string
	PublicIP        string
	PrivateIP       string
	MonitoringState string
	LaunchedAt      *time.Time
	Tags            map[string]string
}

// ImageDetails describes one machine image
type ImageDetails struct {
	ImageID      string
	Name         string
	Description  string
	CreationDate string
}

// ResourceMetrics carries mean utilization over the metrics window. Nil
// values mean the provider had no datapoints (metrics agent absent).
type ResourceMetrics struct {
	CPUUtilization    *float64
	MemoryUtilization *float64
}

// CreateInstanceInput describes the instance to launch
type CreateInstanceInput struct {
	Name         string
	InstanceType string
	ImageID      string
	Tags         map[string]string
}

// Client wraps the EC2 and CloudWatch SDK clients. Clients are built once
// for a home region; every operation takes an explicit region applied as
// a per-call option.
type Client struct {
	ec2api EC2API
	cwapi  CloudWatchAPI
}

// NewClient builds SDK clients from static credentials
func NewClient(ctx context.Context, creds Credentials, defaultRegion string) (*Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(defaultRegion),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(creds.AccessKey, creds.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}
	return &Client{
		ec2api: ec2.NewFromConfig(cfg),
		cwapi:  cloudwatch.NewFromConfig(cfg),
	}, nil
}

// NewClientWithAPIs wires explicit API implementations; used by tests
func NewClientWithAPIs(ec2api EC2API, cwapi CloudWatchAPI) *Client {
	return &Client{ec2api: ec2api, cwapi: cwapi}
}

func regionOpt(region string) func(*ec2.Options) {
	return func(o *ec2.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

func cwRegionOpt(region string) func(*cloudwatch.Options) {
	return func(o *cloudwatch.Options) {
		if region != "" {
			o.Region = region
		}
	}
}

// CreateInstance launches one instance and returns its id. The managed
// tag and Name tag are applied at launch.
func (c *Client) CreateInstance(ctx context.Context, region string, input CreateInstanceInput) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("run_instances").Inc()

	tags := []ec2types.Tag{
		{Key: aws.String("Name"), Value: aws.String(input.Name)},
		{Key: aws.String(ManagedTag), Value: aws.String("true")},
	}
	for k, v := range input.Tags {
		tags = append(tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}

	out, err := c.ec2api.RunInstances(ctx, &ec2.RunInstancesInput{
		ImageId:      aws.String(input.ImageID),
		InstanceType: ec2types.InstanceType(input.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeInstance,
			Tags:         tags,
		}},
	}, regionOpt(region))
	if err != nil {
		return "", fmt.Errorf("failed to run instance: %w", err)
	}
	if len(out.Instances) == 0 || out.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run instance returned no instances")
	}
	return *out.Instances[0].InstanceId, nil
}

// StartInstance starts a stopped instance
func (c *Client) StartInstance(ctx context.Context, region, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("start_instances").Inc()

	_, err := c.ec2api.StartInstances(ctx, &ec2.StartInstancesInput{
		InstanceIds: []string{instanceID},
	}, regionOpt(region))
	if err != nil {
		return wrapInstanceErr("start", instanceID, err)
	}
	return nil
}

// StopInstance stops a running instance
func (c *Client) StopInstance(ctx context.Context, region, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("stop_instances").Inc()

	_, err := c.ec2api.StopInstances(ctx, &ec2.StopInstancesInput{
		InstanceIds: []string{instanceID},
	}, regionOpt(region))
	if err != nil {
		return wrapInstanceErr("stop", instanceID, err)
	}
	return nil
}

// TerminateInstance terminates an instance
func (c *Client) TerminateInstance(ctx context.Context, region, instanceID string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("terminate_instances").Inc()

	_, err := c.ec2api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []string{instanceID},
	}, regionOpt(region))
	if err != nil {
		return wrapInstanceErr("terminate", instanceID, err)
	}
	return nil
}

// DescribeInstanceStatus returns the health snapshot for one instance,
// or ErrInstanceNotFound when the cloud no longer knows it
func (c *Client) DescribeInstanceStatus(ctx context.Context, region, instanceID string) (*InstanceStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("describe_instance_status").Inc()

	out, err := c.ec2api.DescribeInstanceStatus(ctx, &ec2.DescribeInstanceStatusInput{
		InstanceIds:         []string{instanceID},
		IncludeAllInstances: aws.Bool(true),
	}, regionOpt(region))
	if err != nil {
		return nil, wrapInstanceErr("describe status of", instanceID, err)
	}
	if len(out.InstanceStatuses) == 0 {
		return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
	}

	st := out.InstanceStatuses[0]
	status := &InstanceStatus{}
	if st.InstanceState != nil {
		status.State = string(st.InstanceState.Name)
	}
	if st.InstanceStatus != nil {
		status.InstanceStatusCheck = string(st.InstanceStatus.Status)
	}
	if st.SystemStatus != nil {
		status.SystemStatusCheck = string(st.SystemStatus.Status)
	}
	return status, nil
}

// DescribeInstance returns descriptive details for one instance
func (c *Client) DescribeInstance(ctx context.Context, region, instanceID string) (*InstanceDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("describe_instances").Inc()

	out, err := c.ec2api.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	}, regionOpt(region))
	if err != nil {
		return nil, wrapInstanceErr("describe", instanceID, err)
	}
	for _, res := range out.Reservations {
		for _, inst := range res.Instances {
			return instanceDetails(inst), nil
		}
	}
	return nil, fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
}

// ListInstancesByImage lists instances launched from any of the given
// image ids, excluding terminated ones
func (c *Client) ListInstancesByImage(ctx context.Context, region string, imageIDs []string) ([]*InstanceDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("describe_instances").Inc()

	var instances []*InstanceDetails
	paginator := ec2.NewDescribeInstancesPaginator(c.ec2api, &ec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("image-id"), Values: imageIDs},
			{Name: aws.String("instance-state-name"), Values: []string{
				"pending", "running", "stopping", "stopped", "shutting-down",
			}},
		},
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx, regionOpt(region))
		if err != nil {
			return nil, fmt.Errorf("failed to list instances: %w", err)
		}
		for _, res := range page.Reservations {
			for _, inst := range res.Instances {
				instances = append(instances, instanceDetails(inst))
			}
		}
	}
	return instances, nil
}

// DescribeImage returns metadata for one image
func (c *Client) DescribeImage(ctx context.Context, region, imageID string) (*ImageDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("describe_images").Inc()

	out, err := c.ec2api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		ImageIds: []string{imageID},
	}, regionOpt(region))
	if err != nil {
		return nil, fmt.Errorf("failed to describe image %s: %w", imageID, err)
	}
	if len(out.Images) == 0 {
		return nil, fmt.Errorf("image %s: %w", imageID, ErrInstanceNotFound)
	}
	return imageDetails(out.Images[0]), nil
}

// FindImagesByNamePattern returns images whose name matches the glob
// pattern, most recent first by creation date string
func (c *Client) FindImagesByNamePattern(ctx context.Context, region, pattern string) ([]*ImageDetails, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("describe_images").Inc()

	out, err := c.ec2api.DescribeImages(ctx, &ec2.DescribeImagesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("name"), Values: []string{pattern}},
		},
	}, regionOpt(region))
	if err != nil {
		return nil, fmt.Errorf("failed to find images matching %q: %w", pattern, err)
	}
	images := make([]*ImageDetails, 0, len(out.Images))
	for _, img := range out.Images {
		images = append(images, imageDetails(img))
	}
	return images, nil
}

// CreateTags applies tags to an instance
func (c *Client) CreateTags(ctx context.Context, region, instanceID string, tags map[string]string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("create_tags").Inc()

	ec2tags := make([]ec2types.Tag, 0, len(tags))
	for k, v := range tags {
		ec2tags = append(ec2tags, ec2types.Tag{Key: aws.String(k), Value: aws.String(v)})
	}
	_, err := c.ec2api.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      ec2tags,
	}, regionOpt(region))
	if err != nil {
		return fmt.Errorf("failed to tag instance %s: %w", instanceID, err)
	}
	return nil
}

// DeleteTags removes tags from an instance by key
func (c *Client) DeleteTags(ctx context.Context, region, instanceID string, keys []string) error {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("delete_tags").Inc()

	tags := make([]ec2types.Tag, 0, len(keys))
	for _, k := range keys {
		tags = append(tags, ec2types.Tag{Key: aws.String(k)})
	}
	_, err := c.ec2api.DeleteTags(ctx, &ec2.DeleteTagsInput{
		Resources: []string{instanceID},
		Tags:      tags,
	}, regionOpt(region))
	if err != nil {
		return fmt.Errorf("failed to untag instance %s: %w", instanceID, err)
	}
	return nil
}

// GetResourceMetrics fetches mean CPU and memory utilization over the
// last five minutes. Missing datapoints yield nil values, not errors.
func (c *Client) GetResourceMetrics(ctx context.Context, region, instanceID string) (*ResourceMetrics, error) {
	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	metrics.CloudAPICallsTotal.WithLabelValues("get_metric_statistics").Inc()

	result := &ResourceMetrics{}
	cpu, err := c.metricAverage(ctx, region, instanceID, "AWS/EC2", "CPUUtilization")
	if err != nil {
		return nil, err
	}
	result.CPUUtilization = cpu

	// Memory requires the CloudWatch agent; absence is the common case
	mem, err := c.metricAverage(ctx, region, instanceID, "CWAgent", "mem_used_percent")
	if err != nil {
		return nil, err
	}
	result.MemoryUtilization = mem
	return result, nil
}

func (c *Client) metricAverage(ctx context.Context, region, instanceID, namespace, metricName string) (*float64, error) {
	now := time.Now().UTC()
	out, err := c.cwapi.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String(namespace),
		MetricName: aws.String(metricName),
		Dimensions: []cwtypes.Dimension{
			{Name: aws.String("InstanceId"), Value: aws.String(instanceID)},
		},
		StartTime:  aws.Time(now.Add(-metricsWindow)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(int32(metricsWindow.Seconds())),
		Statistics: []cwtypes.Statistic{cwtypes.StatisticAverage},
	}, cwRegionOpt(region))
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s for %s: %w", namespace, metricName, instanceID, err)
	}
	if len(out.Datapoints) == 0 {
		return nil, nil
	}

	// Use the most recent datapoint
	latest := out.Datapoints[0]
	for _, dp := range out.Datapoints[1:] {
		if dp.Timestamp != nil && latest.Timestamp != nil && dp.Timestamp.After(*latest.Timestamp) {
			latest = dp
		}
	}
	if latest.Average == nil {
		return nil, nil
	}
	return latest.Average, nil
}

func instanceDetails(inst ec2types.Instance) *InstanceDetails {
	d := &InstanceDetails{
		InstanceType: string(inst.InstanceType),
		Tags:         make(map[string]string, len(inst.Tags)),
	}
	if inst.InstanceId != nil {
		d.InstanceID = *inst.InstanceId
	}
	if inst.State != nil {
		d.State = string(inst.State.Name)
	}
	if inst.ImageId != nil {
		d.ImageID = *inst.ImageId
	}
	if inst.PublicIpAddress != nil {
		d.PublicIP = *inst.PublicIpAddress
	}
	if inst.PrivateIpAddress != nil {
		d.PrivateIP = *inst.PrivateIpAddress
	}
	if inst.Monitoring != nil {
		d.MonitoringState = string(inst.Monitoring.State)
	}
	if inst.LaunchTime != nil {
		d.LaunchedAt = inst.LaunchTime
	}
	for _, tag := range inst.Tags {
		if tag.Key != nil && tag.Value != nil {
			d.Tags[*tag.Key] = *tag.Value
		}
	}
	return d
}

func imageDetails(img ec2types.Image) *ImageDetails {
	d := &ImageDetails{}
	if img.ImageId != nil {
		d.ImageID = *img.ImageId
	}
	if img.Name != nil {
		d.Name = *img.Name
	}
	if img.Description != nil {
		d.Description = *img.Description
	}
	if img.CreationDate != nil {
		d.CreationDate = *img.CreationDate
	}
	return d
}

// wrapInstanceErr maps the SDK not-found code onto ErrInstanceNotFound
// so callers can branch without inspecting AWS error types
func wrapInstanceErr(op, instanceID string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "InvalidInstanceID.NotFound", "InvalidInstanceID.Malformed":
			return fmt.Errorf("instance %s: %w", instanceID, ErrInstanceNotFound)
		}
	}
	return fmt.Errorf("failed to %s instance %s: %w", op, instanceID, err)
}
