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

// Package patch provides the patch-management specialist for the
// OpsCenter Orchestrator. It runs SSM documents against instance
// targets, tracks command status, and manages patch baselines.
package patch

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	ssmtypes "github.com/aws/aws-sdk-go-v2/service/ssm/types"

	"axonflow/opscenter/shared/logger"
)

// api is the slice of the SSM client the handler uses.
type api interface {
	DescribeDocument(ctx context.Context, params *ssm.DescribeDocumentInput, optFns ...func(*ssm.Options)) (*ssm.DescribeDocumentOutput, error)
	SendCommand(ctx context.Context, params *ssm.SendCommandInput, optFns ...func(*ssm.Options)) (*ssm.SendCommandOutput, error)
	ListCommandInvocations(ctx context.Context, params *ssm.ListCommandInvocationsInput, optFns ...func(*ssm.Options)) (*ssm.ListCommandInvocationsOutput, error)
	DescribePatchBaselines(ctx context.Context, params *ssm.DescribePatchBaselinesInput, optFns ...func(*ssm.Options)) (*ssm.DescribePatchBaselinesOutput, error)
	CreatePatchBaseline(ctx context.Context, params *ssm.CreatePatchBaselineInput, optFns ...func(*ssm.Options)) (*ssm.CreatePatchBaselineOutput, error)
	UpdatePatchBaseline(ctx context.Context, params *ssm.UpdatePatchBaselineInput, optFns ...func(*ssm.Options)) (*ssm.UpdatePatchBaselineOutput, error)
	GetPatchBaseline(ctx context.Context, params *ssm.GetPatchBaselineInput, optFns ...func(*ssm.Options)) (*ssm.GetPatchBaselineOutput, error)
	RegisterPatchBaselineForPatchGroup(ctx context.Context, params *ssm.RegisterPatchBaselineForPatchGroupInput, optFns ...func(*ssm.Options)) (*ssm.RegisterPatchBaselineForPatchGroupOutput, error)
}

// Handler executes patch-management actions against SSM.
type Handler struct {
	client api
	log    *logger.Logger
}

// New creates a handler backed by the real SSM client.
func New(cfg aws.Config) *Handler {
	return NewWithClient(ssm.NewFromConfig(cfg))
}

// NewWithClient creates a handler with an explicit client. Used by tests.
func NewWithClient(client api) *Handler {
	return &Handler{client: client, log: logger.New("patch-specialist")}
}

// Invoke dispatches a catalogued action. Arguments are validated against
// the catalogue schema before they reach this method.
func (h *Handler) Invoke(ctx context.Context, actionID string, args map[string]interface{}) (map[string]interface{}, error) {
	h.log.Debug("", "", "invoking action", map[string]interface{}{"action": actionID})
	switch actionID {
	case "get-document-parameters":
		return h.documentParameters(ctx, args)
	case "run-document":
		return h.runDocument(ctx, args)
	case "check-command-status":
		return h.commandStatus(ctx, args)
	case "list-patch-baselines":
		return h.listBaselines(ctx)
	case "create-patch-baseline":
		return h.createBaseline(ctx, args)
	case "update-patch-baseline":
		return h.updateBaseline(ctx, args)
	case "describe-patch-baseline":
		return h.describeBaseline(ctx, args)
	case "register-patch-group":
		return h.registerPatchGroup(ctx, args)
	}
	return nil, fmt.Errorf("unsupported action %q", actionID)
}

// documentParams fetches the declared parameters of an SSM document,
// split into required (no default) and optional.
func (h *Handler) documentParams(ctx context.Context, documentName string) (required, optional []string, err error) {
	out, err := h.client.DescribeDocument(ctx, &ssm.DescribeDocumentInput{
		Name: aws.String(documentName),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("describing document %s: %w", documentName, err)
	}
	for _, param := range out.Document.Parameters {
		if param.DefaultValue == nil {
			required = append(required, aws.ToString(param.Name))
		} else {
			optional = append(optional, aws.ToString(param.Name))
		}
	}
	return required, optional, nil
}

func (h *Handler) documentParameters(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	documentName, _ := args["document_name"].(string)
	required, optional, err := h.documentParams(ctx, documentName)
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"message":       fmt.Sprintf("Document %s takes %d required and %d optional parameters", documentName, len(required), len(optional)),
		"document_name": documentName,
		"required":      required,
		"optional":      optional,
	}, nil
}

// runDocument validates the supplied parameters against the document's
// declared schema, then sends the command to the target instances.
func (h *Handler) runDocument(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	documentName, _ := args["document_name"].(string)
	instanceIDs := stringList(args["instance_ids"])
	parameters := parameterMap(args["parameters"])

	required, optional, err := h.documentParams(ctx, documentName)
	if err != nil {
		return nil, err
	}

	var missing []string
	for _, name := range required {
		if _, ok := parameters[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("document %s is missing required parameters %v", documentName, missing)
	}

	// Drop parameters the document does not declare rather than letting
	// SSM reject the whole command.
	declared := make(map[string]bool, len(required)+len(optional))
	for _, name := range append(required, optional...) {
		declared[name] = true
	}
	valid := make(map[string][]string, len(parameters))
	for name, values := range parameters {
		if declared[name] {
			valid[name] = values
		}
	}

	out, err := h.client.SendCommand(ctx, &ssm.SendCommandInput{
		DocumentName: aws.String(documentName),
		Parameters:   valid,
		Targets: []ssmtypes.Target{
			{Key: aws.String("InstanceIds"), Values: instanceIDs},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sending command %s: %w", documentName, err)
	}

	commandID := aws.ToString(out.Command.CommandId)
	return map[string]interface{}{
		"message":    fmt.Sprintf("Successfully triggered document %s. Command ID: %s", documentName, commandID),
		"command_id": commandID,
	}, nil
}

func (h *Handler) commandStatus(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	commandID, _ := args["command_id"].(string)

	out, err := h.client.ListCommandInvocations(ctx, &ssm.ListCommandInvocationsInput{
		CommandId: aws.String(commandID),
		Details:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("listing invocations for command %s: %w", commandID, err)
	}
	if len(out.CommandInvocations) == 0 {
		return map[string]interface{}{
			"message": fmt.Sprintf("No status found for command %s", commandID),
		}, nil
	}

	invocation := out.CommandInvocations[0]
	return map[string]interface{}{
		"message": fmt.Sprintf("Command %s on instance %s has status %s",
			commandID, aws.ToString(invocation.InstanceId), invocation.Status),
		"command_id":  commandID,
		"instance_id": aws.ToString(invocation.InstanceId),
		"status":      string(invocation.Status),
	}, nil
}

func (h *Handler) listBaselines(ctx context.Context) (map[string]interface{}, error) {
	out, err := h.client.DescribePatchBaselines(ctx, &ssm.DescribePatchBaselinesInput{})
	if err != nil {
		return nil, fmt.Errorf("listing patch baselines: %w", err)
	}

	baselines := []interface{}{}
	for _, identity := range out.BaselineIdentities {
		baselines = append(baselines, map[string]interface{}{
			"baseline_id":      aws.ToString(identity.BaselineId),
			"baseline_name":    aws.ToString(identity.BaselineName),
			"operating_system": string(identity.OperatingSystem),
			"description":      aws.ToString(identity.BaselineDescription),
		})
	}
	return map[string]interface{}{
		"message":         fmt.Sprintf("Found %d patch baselines", len(baselines)),
		"patch_baselines": baselines,
	}, nil
}

func (h *Handler) createBaseline(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	name, _ := args["name"].(string)
	operatingSystem, ok := args["operating_system"].(string)
	if !ok || operatingSystem == "" {
		operatingSystem = "AMAZON_LINUX_2"
	}
	description, _ := args["description"].(string)

	out, err := h.client.CreatePatchBaseline(ctx, &ssm.CreatePatchBaselineInput{
		Name:            aws.String(name),
		OperatingSystem: ssmtypes.OperatingSystem(operatingSystem),
		Description:     aws.String(description),
		ApprovedPatchesComplianceLevel: ssmtypes.PatchComplianceLevelCritical,
	})
	if err != nil {
		return nil, fmt.Errorf("creating patch baseline %s: %w", name, err)
	}

	baselineID := aws.ToString(out.BaselineId)
	return map[string]interface{}{
		"message":     fmt.Sprintf("Created patch baseline %s", baselineID),
		"baseline_id": baselineID,
	}, nil
}

// updateBaseline only sends the fields the caller supplied so an
// omitted name or description is left untouched.
func (h *Handler) updateBaseline(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	baselineID, _ := args["baseline_id"].(string)

	input := &ssm.UpdatePatchBaselineInput{
		BaselineId: aws.String(baselineID),
	}
	if name, ok := args["name"].(string); ok && name != "" {
		input.Name = aws.String(name)
	}
	if description, ok := args["description"].(string); ok && description != "" {
		input.Description = aws.String(description)
	}

	out, err := h.client.UpdatePatchBaseline(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("updating patch baseline %s: %w", baselineID, err)
	}
	return map[string]interface{}{
		"message":     fmt.Sprintf("Updated patch baseline %s", aws.ToString(out.BaselineId)),
		"baseline_id": aws.ToString(out.BaselineId),
	}, nil
}

func (h *Handler) describeBaseline(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	baselineID, _ := args["baseline_id"].(string)

	out, err := h.client.GetPatchBaseline(ctx, &ssm.GetPatchBaselineInput{
		BaselineId: aws.String(baselineID),
	})
	if err != nil {
		return nil, fmt.Errorf("describing patch baseline %s: %w", baselineID, err)
	}
	return map[string]interface{}{
		"message":          fmt.Sprintf("Patch baseline %s (%s)", aws.ToString(out.Name), baselineID),
		"baseline_id":      aws.ToString(out.BaselineId),
		"name":             aws.ToString(out.Name),
		"operating_system": string(out.OperatingSystem),
		"description":      aws.ToString(out.Description),
	}, nil
}

func (h *Handler) registerPatchGroup(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	baselineID, _ := args["baseline_id"].(string)
	patchGroup, _ := args["patch_group"].(string)

	_, err := h.client.RegisterPatchBaselineForPatchGroup(ctx, &ssm.RegisterPatchBaselineForPatchGroupInput{
		BaselineId: aws.String(baselineID),
		PatchGroup: aws.String(patchGroup),
	})
	if err != nil {
		return nil, fmt.Errorf("registering patch group %s: %w", patchGroup, err)
	}
	return map[string]interface{}{
		"message":     fmt.Sprintf("Patch group %s registered with baseline %s", patchGroup, baselineID),
		"baseline_id": baselineID,
		"patch_group": patchGroup,
	}, nil
}

// parameterMap coerces a parameters argument into SSM's map of string
// lists.
func parameterMap(value interface{}) map[string][]string {
	raw, ok := value.(map[string]interface{})
	if !ok {
		return map[string][]string{}
	}
	out := make(map[string][]string, len(raw))
	for name, v := range raw {
		out[name] = stringList(v)
	}
	return out
}

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
