// Copyright (c) 2025 Z5Labs and Contributors
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Package discovery implements LogGroupDiscovery: translating a
// deployment-stack name or a glob pattern into a concrete, validated
// list of CloudWatch Logs log-group names, per spec.md §4.9.
package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cftypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
)

// MaxLogGroups is the StartLiveTail/FilterLogEvents ceiling on the
// number of log groups accepted in one call, per spec.md §4.9.
const MaxLogGroups = 10

// TooManyLogGroupsError reports that resolution yielded more than
// MaxLogGroups names, carrying the full resolved list so the caller can
// present it and let the user refine their filter.
type TooManyLogGroupsError struct {
	Resolved []string
}

func (e *TooManyLogGroupsError) Error() string {
	return fmt.Sprintf("discovery: resolved %d log groups, exceeding the %d-group tail limit: %s",
		len(e.Resolved), MaxLogGroups, strings.Join(e.Resolved, ", "))
}

// cfnClient is the subset of *cloudformation.Client Resolver needs.
type cfnClient interface {
	ListStackResources(ctx context.Context, params *cloudformation.ListStackResourcesInput, optFns ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error)
}

// logsClient is the subset of *cloudwatchlogs.Client Resolver needs.
type logsClient interface {
	DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error)
}

// Resolver resolves a stack name or glob pattern into validated log
// group names.
type Resolver struct {
	CloudFormation cfnClient
	Logs           logsClient
}

// FromStack lists every resource in stackName, collects the physical
// name of each log-group resource, derives the conventional
// "/aws/lambda/<name>" log group for each Lambda function resource, and
// validates the resulting set, per spec.md §4.9.
func (r *Resolver) FromStack(ctx context.Context, stackName string) ([]string, error) {
	var candidates []string

	var nextToken *string
	for {
		out, err := r.CloudFormation.ListStackResources(ctx, &cloudformation.ListStackResourcesInput{
			StackName: &stackName,
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("discovery: list stack resources: %w", err)
		}
		for _, res := range out.StackResourceSummaries {
			candidates = append(candidates, candidateFromResource(res)...)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	return r.validate(ctx, candidates)
}

func candidateFromResource(res cftypes.StackResourceSummary) []string {
	if res.PhysicalResourceId == nil || res.ResourceType == nil {
		return nil
	}
	switch *res.ResourceType {
	case "AWS::Logs::LogGroup":
		return []string{*res.PhysicalResourceId}
	case "AWS::Lambda::Function":
		return []string{"/aws/lambda/" + *res.PhysicalResourceId}
	default:
		return nil
	}
}

// FromPattern enumerates every log group whose name contains pattern as
// a case-sensitive substring (or, when glob is true, matches pattern as
// a shell glob), per spec.md §4.9.
func (r *Resolver) FromPattern(ctx context.Context, pattern string, glob bool) ([]string, error) {
	var candidates []string

	var nextToken *string
	for {
		out, err := r.Logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("discovery: describe log groups: %w", err)
		}
		for _, lg := range out.LogGroups {
			if lg.LogGroupName == nil {
				continue
			}
			name := *lg.LogGroupName
			if matches(name, pattern, glob) {
				candidates = append(candidates, name)
			}
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}

	if len(candidates) > MaxLogGroups {
		return nil, &TooManyLogGroupsError{Resolved: candidates}
	}
	return candidates, nil
}

func matches(name, pattern string, glob bool) bool {
	if glob {
		ok, err := filepath.Match(pattern, name)
		return err == nil && ok
	}
	return strings.Contains(name, pattern)
}

// validate confirms each candidate log group exists; for candidates
// matching the Lambda naming convention it also probes the Lambda@Edge
// replica variant ("/aws/lambda/us-east-1.<name>") before giving up on
// it, per spec.md §4.9. Names resolving to neither are dropped.
func (r *Resolver) validate(ctx context.Context, candidates []string) ([]string, error) {
	var resolved []string
	for _, name := range candidates {
		ok, err := r.exists(ctx, name)
		if err != nil {
			return nil, err
		}
		if ok {
			resolved = append(resolved, name)
			continue
		}

		if edge, isLambdaConv := edgeVariant(name); isLambdaConv {
			ok, err := r.exists(ctx, edge)
			if err != nil {
				return nil, err
			}
			if ok {
				resolved = append(resolved, edge)
			}
		}
	}

	if len(resolved) > MaxLogGroups {
		return nil, &TooManyLogGroupsError{Resolved: resolved}
	}
	return resolved, nil
}

func edgeVariant(name string) (string, bool) {
	const prefix = "/aws/lambda/"
	if !strings.HasPrefix(name, prefix) {
		return "", false
	}
	suffix := strings.TrimPrefix(name, prefix)
	if strings.HasPrefix(suffix, "us-east-1.") {
		return "", false
	}
	return prefix + "us-east-1." + suffix, true
}

func (r *Resolver) exists(ctx context.Context, name string) (bool, error) {
	out, err := r.Logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: &name,
	})
	if err != nil {
		return false, fmt.Errorf("discovery: describe log group %q: %w", name, err)
	}
	for _, lg := range out.LogGroups {
		if lg.LogGroupName != nil && *lg.LogGroupName == name {
			return true, nil
		}
	}
	return false, nil
}
