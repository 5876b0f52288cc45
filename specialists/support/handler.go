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

// Package support provides the support specialist for the OpsCenter
// Orchestrator. It creates, lists, and updates AWS Support cases. The
// Support API requires a Business or Enterprise plan; a subscription
// failure surfaces as an action failure with the upstream message.
package support

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awssupport "github.com/aws/aws-sdk-go-v2/service/support"

	"axonflow/opscenter/shared/logger"
)

// api is the slice of the Support client the handler uses.
type api interface {
	CreateCase(ctx context.Context, params *awssupport.CreateCaseInput, optFns ...func(*awssupport.Options)) (*awssupport.CreateCaseOutput, error)
	DescribeCases(ctx context.Context, params *awssupport.DescribeCasesInput, optFns ...func(*awssupport.Options)) (*awssupport.DescribeCasesOutput, error)
	AddCommunicationToCase(ctx context.Context, params *awssupport.AddCommunicationToCaseInput, optFns ...func(*awssupport.Options)) (*awssupport.AddCommunicationToCaseOutput, error)
}

// Handler executes support actions against the AWS Support API.
type Handler struct {
	client api
	log    *logger.Logger
}

// New creates a handler backed by the real Support client.
func New(cfg aws.Config) *Handler {
	return NewWithClient(awssupport.NewFromConfig(cfg))
}

// NewWithClient creates a handler with an explicit client. Used by tests.
func NewWithClient(client api) *Handler {
	return &Handler{client: client, log: logger.New("support-specialist")}
}

// Invoke dispatches a catalogued action. Arguments are validated against
// the catalogue schema before they reach this method.
func (h *Handler) Invoke(ctx context.Context, actionID string, args map[string]interface{}) (map[string]interface{}, error) {
	h.log.Debug("", "", "invoking action", map[string]interface{}{"action": actionID})
	switch actionID {
	case "create-case":
		return h.createCase(ctx, args)
	case "get-cases":
		return h.getCases(ctx, args)
	case "update-case":
		return h.updateCase(ctx, args)
	}
	return nil, fmt.Errorf("unsupported action %q", actionID)
}

func (h *Handler) createCase(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	subject, _ := args["subject"].(string)
	body, _ := args["communication_body"].(string)
	serviceCode := stringOr(args, "service_code", "general-info")
	categoryCode := stringOr(args, "category_code", "general-guidance")
	severityCode := stringOr(args, "severity_code", "low")

	out, err := h.client.CreateCase(ctx, &awssupport.CreateCaseInput{
		Subject:           aws.String(subject),
		CommunicationBody: aws.String(body),
		ServiceCode:       aws.String(serviceCode),
		CategoryCode:      aws.String(categoryCode),
		SeverityCode:      aws.String(severityCode),
		IssueType:         aws.String("technical"),
		Language:          aws.String("en"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating support case: %w", err)
	}

	caseID := aws.ToString(out.CaseId)
	return map[string]interface{}{
		"message": fmt.Sprintf("Support case created successfully: %s", caseID),
		"case_id": caseID,
	}, nil
}

func (h *Handler) getCases(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	includeResolved, _ := args["include_resolved"].(bool)

	out, err := h.client.DescribeCases(ctx, &awssupport.DescribeCasesInput{
		IncludeResolvedCases: includeResolved,
	})
	if err != nil {
		return nil, fmt.Errorf("describing support cases: %w", err)
	}

	cases := []interface{}{}
	for _, c := range out.Cases {
		cases = append(cases, map[string]interface{}{
			"case_id":        aws.ToString(c.CaseId),
			"subject":        aws.ToString(c.Subject),
			"status":         aws.ToString(c.Status),
			"service_code":   aws.ToString(c.ServiceCode),
			"category_code":  aws.ToString(c.CategoryCode),
			"severity_code":  aws.ToString(c.SeverityCode),
			"submitted_time": aws.ToString(c.TimeCreated),
		})
	}
	return map[string]interface{}{
		"message": fmt.Sprintf("Found %d support cases", len(cases)),
		"cases":   cases,
	}, nil
}

func (h *Handler) updateCase(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	caseID, _ := args["case_id"].(string)
	body, _ := args["communication_body"].(string)

	out, err := h.client.AddCommunicationToCase(ctx, &awssupport.AddCommunicationToCaseInput{
		CaseId:            aws.String(caseID),
		CommunicationBody: aws.String(body),
	})
	if err != nil {
		return nil, fmt.Errorf("updating support case %s: %w", caseID, err)
	}
	if !out.Result {
		return nil, fmt.Errorf("support API declined to add communication to case %s", caseID)
	}
	return map[string]interface{}{
		"message": "Communication added to case successfully",
		"case_id": caseID,
	}, nil
}

func stringOr(args map[string]interface{}, key, fallback string) string {
	if value, ok := args[key].(string); ok && value != "" {
		return value
	}
	return fallback
}
