// Package retry wraps provider calls so that transient failures are retried
// with exponential backoff.
//
// A Client is created per service with a Policy. Calls go through the
// generic Call function:
//
//	ec2Retry := retry.New("ec2", cfg.RetryPolicy("ec2"), retry.WithMethods("DescribeInstances", "CreateTags"))
//	out, err := retry.Call(ctx, ec2Retry, "DescribeInstances", func(ctx context.Context) (*ec2.DescribeInstancesOutput, error) {
//		return client.DescribeInstances(ctx, input)
//	})
//
// Throttling, service unavailability and reset connections are transient.
// Everything else is returned on its first occurrence, classified as an
// engine error.
package retry
