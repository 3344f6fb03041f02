package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEC2 struct {
	runOut      *ec2.RunInstancesOutput
	statusOut   *ec2.DescribeInstanceStatusOutput
	describeOut *ec2.DescribeInstancesOutput
	imagesOut   *ec2.DescribeImagesOutput
	err         error
	lastRegion  string
	startedIDs  []string
	stoppedIDs  []string
	terminated  []string
	createdTags []ec2types.Tag
	deletedTags []ec2types.Tag
}

func (f *fakeEC2) capture(opts []func(*ec2.Options)) {
	o := ec2.Options{}
	for _, fn := range opts {
		fn(&o)
	}
	f.lastRegion = o.Region
}

func (f *fakeEC2) RunInstances(_ context.Context, _ *ec2.RunInstancesInput, opts ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	f.capture(opts)
	return f.runOut, f.err
}

func (f *fakeEC2) StartInstances(_ context.Context, in *ec2.StartInstancesInput, opts ...func(*ec2.Options)) (*ec2.StartInstancesOutput, error) {
	f.capture(opts)
	f.startedIDs = append(f.startedIDs, in.InstanceIds...)
	return &ec2.StartInstancesOutput{}, f.err
}

func (f *fakeEC2) StopInstances(_ context.Context, in *ec2.StopInstancesInput, opts ...func(*ec2.Options)) (*ec2.StopInstancesOutput, error) {
	f.capture(opts)
	f.stoppedIDs = append(f.stoppedIDs, in.InstanceIds...)
	return &ec2.StopInstancesOutput{}, f.err
}

func (f *fakeEC2) TerminateInstances(_ context.Context, in *ec2.TerminateInstancesInput, opts ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	f.capture(opts)
	f.terminated = append(f.terminated, in.InstanceIds...)
	return &ec2.TerminateInstancesOutput{}, f.err
}

func (f *fakeEC2) DescribeInstances(_ context.Context, _ *ec2.DescribeInstancesInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	f.capture(opts)
	if f.describeOut == nil {
		return &ec2.DescribeInstancesOutput{}, f.err
	}
	return f.describeOut, f.err
}

func (f *fakeEC2) DescribeInstanceStatus(_ context.Context, _ *ec2.DescribeInstanceStatusInput, opts ...func(*ec2.Options)) (*ec2.DescribeInstanceStatusOutput, error) {
	f.capture(opts)
	return f.statusOut, f.err
}

func (f *fakeEC2) DescribeImages(_ context.Context, _ *ec2.DescribeImagesInput, opts ...func(*ec2.Options)) (*ec2.DescribeImagesOutput, error) {
	f.capture(opts)
	return f.imagesOut, f.err
}

func (f *fakeEC2) CreateTags(_ context.Context, in *ec2.CreateTagsInput, opts ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	f.capture(opts)
	f.createdTags = append(f.createdTags, in.Tags...)
	return &ec2.CreateTagsOutput{}, f.err
}

func (f *fakeEC2) DeleteTags(_ context.Context, in *ec2.DeleteTagsInput, opts ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error) {
	f.capture(opts)
	f.deletedTags = append(f.deletedTags, in.Tags...)
	return &ec2.DeleteTagsOutput{}, f.err
}

func (f *fakeEC2) DescribeTags(_ context.Context, _ *ec2.DescribeTagsInput, opts ...func(*ec2.Options)) (*ec2.DescribeTagsOutput, error) {
	f.capture(opts)
	return &ec2.DescribeTagsOutput{}, f.err
}

type fakeCW struct {
	out *cloudwatch.GetMetricStatisticsOutput
	err error
}

func (f *fakeCW) GetMetricStatistics(_ context.Context, _ *cloudwatch.GetMetricStatisticsInput, _ ...func(*cloudwatch.Options)) (*cloudwatch.GetMetricStatisticsOutput, error) {
	return f.out, f.err
}

type notFoundErr struct{ code string }

func (e *notFoundErr) Error() string                 { return e.code }
func (e *notFoundErr) ErrorCode() string             { return e.code }
func (e *notFoundErr) ErrorMessage() string          { return e.code }
func (e *notFoundErr) ErrorFault() smithy.ErrorFault { return smithy.FaultClient }

func TestCreateInstance(t *testing.T) {
	fake := &fakeEC2{
		runOut: &ec2.RunInstancesOutput{
			Instances: []ec2types.Instance{{InstanceId: aws.String("i-abc")}},
		},
	}
	c := NewClientWithAPIs(fake, &fakeCW{})

	id, err := c.CreateInstance(context.Background(), "us-west-2", CreateInstanceInput{
		Name:         "cml-1",
		InstanceType: "c5.2xlarge",
		ImageID:      "ami-123",
	})
	require.NoError(t, err)
	assert.Equal(t, "i-abc", id)
	assert.Equal(t, "us-west-2", fake.lastRegion)
}

func TestDescribeInstanceStatusNotFound(t *testing.T) {
	fake := &fakeEC2{statusOut: &ec2.DescribeInstanceStatusOutput{}}
	c := NewClientWithAPIs(fake, &fakeCW{})

	_, err := c.DescribeInstanceStatus(context.Background(), "us-east-1", "i-gone")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestDescribeInstanceStatusMapsChecks(t *testing.T) {
	fake := &fakeEC2{statusOut: &ec2.DescribeInstanceStatusOutput{
		InstanceStatuses: []ec2types.InstanceStatus{{
			InstanceState:  &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
			InstanceStatus: &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusOk},
			SystemStatus:   &ec2types.InstanceStatusSummary{Status: ec2types.SummaryStatusImpaired},
		}},
	}}
	c := NewClientWithAPIs(fake, &fakeCW{})

	st, err := c.DescribeInstanceStatus(context.Background(), "us-east-1", "i-abc")
	require.NoError(t, err)
	assert.Equal(t, "running", st.State)
	assert.Equal(t, "ok", st.InstanceStatusCheck)
	assert.Equal(t, "impaired", st.SystemStatusCheck)
}

func TestNotFoundCodeIsMapped(t *testing.T) {
	fake := &fakeEC2{err: &notFoundErr{code: "InvalidInstanceID.NotFound"}}
	c := NewClientWithAPIs(fake, &fakeCW{})

	err := c.StopInstance(context.Background(), "us-east-1", "i-gone")
	assert.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestDescribeInstanceDetails(t *testing.T) {
	launched := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	fake := &fakeEC2{describeOut: &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{
			Instances: []ec2types.Instance{{
				InstanceId:       aws.String("i-abc"),
				InstanceType:     ec2types.InstanceTypeC52xlarge,
				ImageId:          aws.String("ami-123"),
				PublicIpAddress:  aws.String("203.0.113.10"),
				PrivateIpAddress: aws.String("10.0.0.5"),
				LaunchTime:       &launched,
				State:            &ec2types.InstanceState{Name: ec2types.InstanceStateNameRunning},
				Tags: []ec2types.Tag{
					{Key: aws.String("Name"), Value: aws.String("cml-1")},
				},
			}},
		}},
	}}
	c := NewClientWithAPIs(fake, &fakeCW{})

	d, err := c.DescribeInstance(context.Background(), "eu-central-1", "i-abc")
	require.NoError(t, err)
	assert.Equal(t, "i-abc", d.InstanceID)
	assert.Equal(t, "running", d.State)
	assert.Equal(t, "203.0.113.10", d.PublicIP)
	assert.Equal(t, "cml-1", d.Tags["Name"])
	assert.Equal(t, &launched, d.LaunchedAt)
}

func TestGetResourceMetricsNoDatapoints(t *testing.T) {
	c := NewClientWithAPIs(&fakeEC2{}, &fakeCW{out: &cloudwatch.GetMetricStatisticsOutput{}})

	m, err := c.GetResourceMetrics(context.Background(), "us-east-1", "i-abc")
	require.NoError(t, err)
	assert.Nil(t, m.CPUUtilization)
	assert.Nil(t, m.MemoryUtilization)
}

func TestGetResourceMetricsPicksLatestDatapoint(t *testing.T) {
	early := time.Now().Add(-4 * time.Minute)
	late := time.Now().Add(-1 * time.Minute)
	c := NewClientWithAPIs(&fakeEC2{}, &fakeCW{out: &cloudwatch.GetMetricStatisticsOutput{
		Datapoints: []cwtypes.Datapoint{
			{Timestamp: &early, Average: aws.Float64(12.5)},
			{Timestamp: &late, Average: aws.Float64(47.0)},
		},
	}})

	m, err := c.GetResourceMetrics(context.Background(), "us-east-1", "i-abc")
	require.NoError(t, err)
	require.NotNil(t, m.CPUUtilization)
	assert.Equal(t, 47.0, *m.CPUUtilization)
}
