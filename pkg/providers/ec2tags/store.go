// Package ec2tags reads and writes the tags of EC2 resources and lists
// instances as resource snapshots.
package ec2tags

import (
	"context"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/tagging"
)

// Service is the retry and concurrency key of EC2 calls.
const Service = "ec2"

// ResourceTypeInstance is the resource type of EC2 instances.
const ResourceTypeInstance = "ec2:instance"

// AttrVolumeIDs is the instance snapshot attribute listing attached EBS
// volumes.
const AttrVolumeIDs = "VolumeIds"

// ResourceTypeVolume is the resource type of EBS volumes.
const ResourceTypeVolume = "ec2:volume"

// API is the part of the EC2 client the store uses.
type API interface {
	ec2.DescribeTagsAPIClient
	ec2.DescribeInstancesAPIClient
	CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)
	DeleteTags(ctx context.Context, params *ec2.DeleteTagsInput, optFns ...func(*ec2.Options)) (*ec2.DeleteTagsOutput, error)
}

// maxResourcesPerCall bounds the resource ids of one tagging call.
const maxResourcesPerCall = 1000

// Store implements tagging.TagStore for EC2 resources in one account and
// region.
type Store struct {
	client  API
	retry   *retry.Client
	account string
	region  string
}

var _ tagging.TagStore = (*Store)(nil)

// NewStore creates a store calling client through rc.
func NewStore(client API, rc *retry.Client, account, region string) *Store {
	if rc == nil {
		rc = retry.New(Service, retry.DefaultPolicy())
	}
	return &Store{client: client, retry: rc, account: account, region: region}
}

// NewStoreForScope creates a store for scope using the session of the scope.
func NewStoreForScope(scope engine.Scope, rc *retry.Client) *Store {
	return NewStore(ec2.NewFromConfig(scope.AWSConfig()), rc, scope.Account, scope.Region)
}

// GetTags returns the current tags of a resource.
func (s *Store) GetTags(ctx context.Context, resourceID string) (map[string]string, error) {
	paginator := ec2.NewDescribeTagsPaginator(s.client, &ec2.DescribeTagsInput{
		Filters: []types.Filter{{
			Name:   aws.String("resource-id"),
			Values: []string{resourceID},
		}},
	})

	tags := make(map[string]string)
	for paginator.HasMorePages() {
		page, err := retry.Call(ctx, s.retry, "DescribeTags", func(ctx context.Context) (*ec2.DescribeTagsOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, td := range page.Tags {
			tags[aws.ToString(td.Key)] = aws.ToString(td.Value)
		}
	}
	return tags, nil
}

// CreateTags adds or overwrites tags on the given resources.
func (s *Store) CreateTags(ctx context.Context, resourceIDs []string, tags map[string]string) error {
	if len(resourceIDs) == 0 || len(tags) == 0 {
		return nil
	}
	keys := sortedKeys(tags)
	ec2Tags := make([]types.Tag, 0, len(tags))
	for _, k := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}

	for _, batch := range batches(resourceIDs, maxResourcesPerCall) {
		err := s.retry.Do(ctx, "CreateTags", func(ctx context.Context) error {
			_, err := s.client.CreateTags(ctx, &ec2.CreateTagsInput{Resources: batch, Tags: ec2Tags})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// DeleteTags removes tag keys from the given resources, whatever their
// values.
func (s *Store) DeleteTags(ctx context.Context, resourceIDs []string, keys []string) error {
	if len(resourceIDs) == 0 || len(keys) == 0 {
		return nil
	}
	ec2Tags := make([]types.Tag, 0, len(keys))
	for _, k := range keys {
		ec2Tags = append(ec2Tags, types.Tag{Key: aws.String(k)})
	}

	for _, batch := range batches(resourceIDs, maxResourcesPerCall) {
		err := s.retry.Do(ctx, "DeleteTags", func(ctx context.Context) error {
			_, err := s.client.DeleteTags(ctx, &ec2.DeleteTagsInput{Resources: batch, Tags: ec2Tags})
			return err
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Instances returns snapshots of the instances in the store's scope.
// Terminated instances are skipped. A non-empty ids restricts the listing.
func (s *Store) Instances(ctx context.Context, ids []string) ([]engine.ResourceSnapshot, error) {
	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{{
			Name:   aws.String("instance-state-name"),
			Values: []string{"pending", "running", "stopping", "stopped"},
		}},
	}
	if len(ids) > 0 {
		input.InstanceIds = ids
	}

	paginator := ec2.NewDescribeInstancesPaginator(s.client, input)
	var out []engine.ResourceSnapshot
	for paginator.HasMorePages() {
		page, err := retry.Call(ctx, s.retry, "DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, err
		}
		for _, reservation := range page.Reservations {
			for _, inst := range reservation.Instances {
				out = append(out, s.snapshot(inst))
			}
		}
	}
	return out, nil
}

func (s *Store) snapshot(inst types.Instance) engine.ResourceSnapshot {
	tags := make(map[string]string, len(inst.Tags))
	for _, t := range inst.Tags {
		tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	attrs := map[string]interface{}{
		"InstanceType": string(inst.InstanceType),
	}
	if inst.State != nil {
		attrs["State"] = string(inst.State.Name)
	}
	if inst.Placement != nil {
		attrs["AvailabilityZone"] = aws.ToString(inst.Placement.AvailabilityZone)
	}
	var volumes []string
	for _, bdm := range inst.BlockDeviceMappings {
		if bdm.Ebs != nil && bdm.Ebs.VolumeId != nil {
			volumes = append(volumes, *bdm.Ebs.VolumeId)
		}
	}
	if len(volumes) > 0 {
		attrs[AttrVolumeIDs] = volumes
	}
	return engine.ResourceSnapshot{
		ID:         aws.ToString(inst.InstanceId),
		Type:       ResourceTypeInstance,
		Account:    s.account,
		Region:     s.region,
		Tags:       tags,
		Attributes: attrs,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func batches(ids []string, size int) [][]string {
	var out [][]string
	for len(ids) > size {
		out = append(out, ids[:size])
		ids = ids[size:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}
