// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ec2 provides the compute-lifecycle specialist for the
// OpsCenter Orchestrator. It executes catalogued EC2 actions: instance
// discovery by tag, networking and storage lookups, and start/stop
// lifecycle operations.
package ec2

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsec2 "github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"axonflow/opscenter/shared/logger"
)

// api is the slice of the EC2 client the handler uses.
type api interface {
	DescribeInstances(ctx context.Context, params *awsec2.DescribeInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeInstancesOutput, error)
	DescribeNetworkInterfaces(ctx context.Context, params *awsec2.DescribeNetworkInterfacesInput, optFns ...func(*awsec2.Options)) (*awsec2.DescribeNetworkInterfacesOutput, error)
	StartInstances(ctx context.Context, params *awsec2.StartInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.StartInstancesOutput, error)
	StopInstances(ctx context.Context, params *awsec2.StopInstancesInput, optFns ...func(*awsec2.Options)) (*awsec2.StopInstancesOutput, error)
}

// Handler executes compute-lifecycle actions against EC2.
type Handler struct {
	client api
	log    *logger.Logger
}

// New creates a handler backed by the real EC2 client.
func New(cfg aws.Config) *Handler {
	return NewWithClient(awsec2.NewFromConfig(cfg))
}

// NewWithClient creates a handler with an explicit client. Used by tests.
func NewWithClient(client api) *Handler {
	return &Handler{client: client, log: logger.New("ec2-specialist")}
}

// Invoke dispatches a catalogued action. Arguments are validated against
// the catalogue schema before they reach this method.
func (h *Handler) Invoke(ctx context.Context, actionID string, args map[string]interface{}) (map[string]interface{}, error) {
	h.log.Debug("", "", "invoking action", map[string]interface{}{"action": actionID})
	switch actionID {
	case "get-instance-details":
		return h.instanceDetails(ctx, args)
	case "get-instance-networking":
		return h.instanceNetworking(ctx, args)
	case "get-instance-storage":
		return h.instanceStorage(ctx, args)
	case "start-instances":
		return h.startInstances(ctx, args)
	case "stop-instances":
		return h.stopInstances(ctx, args)
	case "list-instances":
		return h.listInstances(ctx, args)
	}
	return nil, fmt.Errorf("unsupported action %q", actionID)
}

func (h *Handler) instanceDetails(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	tagKey, _ := args["tag_key"].(string)
	tagValue, _ := args["tag_value"].(string)

	out, err := h.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + tagKey), Values: []string{tagValue}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing instances tagged %s=%s: %w", tagKey, tagValue, err)
	}

	details := []interface{}{}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			details = append(details, map[string]interface{}{
				"instance_id":   aws.ToString(instance.InstanceId),
				"state":         string(instance.State.Name),
				"instance_type": string(instance.InstanceType),
				"tags":          tagMap(instance.Tags),
			})
		}
	}
	return map[string]interface{}{
		"message":   fmt.Sprintf("Found %d instances tagged %s=%s", len(details), tagKey, tagValue),
		"instances": details,
	}, nil
}

func (h *Handler) instanceNetworking(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	ids := stringList(args["instance_ids"])

	out, err := h.client.DescribeNetworkInterfaces(ctx, &awsec2.DescribeNetworkInterfacesInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("attachment.instance-id"), Values: ids},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describing network interfaces: %w", err)
	}

	networking := []interface{}{}
	for _, ni := range out.NetworkInterfaces {
		entry := map[string]interface{}{
			"network_interface_id": aws.ToString(ni.NetworkInterfaceId),
			"private_ip":           aws.ToString(ni.PrivateIpAddress),
			"subnet_id":            aws.ToString(ni.SubnetId),
			"vpc_id":               aws.ToString(ni.VpcId),
		}
		if ni.Attachment != nil {
			entry["instance_id"] = aws.ToString(ni.Attachment.InstanceId)
		}
		networking = append(networking, entry)
	}
	return map[string]interface{}{
		"message":    fmt.Sprintf("Found %d network interfaces", len(networking)),
		"networking": networking,
	}, nil
}

func (h *Handler) instanceStorage(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	ids := stringList(args["instance_ids"])

	out, err := h.client.DescribeInstances(ctx, &awsec2.DescribeInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("describing instances %v: %w", ids, err)
	}

	storage := []interface{}{}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			for _, mapping := range instance.BlockDeviceMappings {
				if mapping.Ebs == nil {
					continue
				}
				storage = append(storage, map[string]interface{}{
					"instance_id": aws.ToString(instance.InstanceId),
					"volume_id":   aws.ToString(mapping.Ebs.VolumeId),
					"device_name": aws.ToString(mapping.DeviceName),
				})
			}
		}
	}
	return map[string]interface{}{
		"message": fmt.Sprintf("Found %d volumes", len(storage)),
		"storage": storage,
	}, nil
}

func (h *Handler) startInstances(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	ids := stringList(args["instance_ids"])

	out, err := h.client.StartInstances(ctx, &awsec2.StartInstancesInput{InstanceIds: ids})
	if err != nil {
		return nil, fmt.Errorf("starting instances %v: %w", ids, err)
	}
	return map[string]interface{}{
		"message":   fmt.Sprintf("Successfully initiated start for %d instances", len(out.StartingInstances)),
		"instances": stateChanges(out.StartingInstances),
	}, nil
}

func (h *Handler) stopInstances(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	ids := stringList(args["instance_ids"])
	force, _ := args["force"].(bool)

	out, err := h.client.StopInstances(ctx, &awsec2.StopInstancesInput{
		InstanceIds: ids,
		Force:       aws.Bool(force),
	})
	if err != nil {
		return nil, fmt.Errorf("stopping instances %v: %w", ids, err)
	}
	return map[string]interface{}{
		"message":   fmt.Sprintf("Successfully initiated stop for %d instances", len(out.StoppingInstances)),
		"instances": stateChanges(out.StoppingInstances),
	}, nil
}

func (h *Handler) listInstances(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	input := &awsec2.DescribeInstancesInput{}
	if state, ok := args["state"].(string); ok && state != "" {
		input.Filters = []ec2types.Filter{
			{Name: aws.String("instance-state-name"), Values: []string{state}},
		}
	}

	out, err := h.client.DescribeInstances(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("listing instances: %w", err)
	}

	instances := []interface{}{}
	for _, reservation := range out.Reservations {
		for _, instance := range reservation.Instances {
			entry := map[string]interface{}{
				"instance_id":   aws.ToString(instance.InstanceId),
				"instance_type": string(instance.InstanceType),
				"state":         string(instance.State.Name),
				"private_ip":    aws.ToString(instance.PrivateIpAddress),
				"public_ip":     aws.ToString(instance.PublicIpAddress),
				"tags":          tagMap(instance.Tags),
			}
			if instance.LaunchTime != nil {
				entry["launch_time"] = instance.LaunchTime.Format("2006-01-02T15:04:05Z07:00")
			}
			instances = append(instances, entry)
		}
	}
	return map[string]interface{}{
		"message":   fmt.Sprintf("Found %d instances", len(instances)),
		"instances": instances,
	}, nil
}

func stateChanges(changes []ec2types.InstanceStateChange) []interface{} {
	out := make([]interface{}, 0, len(changes))
	for _, change := range changes {
		out = append(out, map[string]interface{}{
			"instance_id":    aws.ToString(change.InstanceId),
			"current_state":  string(change.CurrentState.Name),
			"previous_state": string(change.PreviousState.Name),
		})
	}
	return out
}

func tagMap(tags []ec2types.Tag) map[string]interface{} {
	out := make(map[string]interface{}, len(tags))
	for _, tag := range tags {
		out[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
	}
	return out
}

// stringList coerces the JSON forms a list argument can arrive in.
func stringList(value interface{}) []string {
	switch v := value.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}
