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

// Package backup provides the backup specialist for the OpsCenter
// Orchestrator. It manages AWS Backup plans, resource selections, and
// backup job visibility.
package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsbackup "github.com/aws/aws-sdk-go-v2/service/backup"
	backuptypes "github.com/aws/aws-sdk-go-v2/service/backup/types"

	"axonflow/opscenter/shared/logger"
)

// api is the slice of the Backup client the handler uses.
type api interface {
	ListBackupPlans(ctx context.Context, params *awsbackup.ListBackupPlansInput, optFns ...func(*awsbackup.Options)) (*awsbackup.ListBackupPlansOutput, error)
	CreateBackupPlan(ctx context.Context, params *awsbackup.CreateBackupPlanInput, optFns ...func(*awsbackup.Options)) (*awsbackup.CreateBackupPlanOutput, error)
	GetBackupPlan(ctx context.Context, params *awsbackup.GetBackupPlanInput, optFns ...func(*awsbackup.Options)) (*awsbackup.GetBackupPlanOutput, error)
	DeleteBackupPlan(ctx context.Context, params *awsbackup.DeleteBackupPlanInput, optFns ...func(*awsbackup.Options)) (*awsbackup.DeleteBackupPlanOutput, error)
	CreateBackupSelection(ctx context.Context, params *awsbackup.CreateBackupSelectionInput, optFns ...func(*awsbackup.Options)) (*awsbackup.CreateBackupSelectionOutput, error)
	ListBackupJobs(ctx context.Context, params *awsbackup.ListBackupJobsInput, optFns ...func(*awsbackup.Options)) (*awsbackup.ListBackupJobsOutput, error)
}

// Handler executes backup actions against AWS Backup.
type Handler struct {
	client api
	log    *logger.Logger
}

// New creates a handler backed by the real Backup client.
func New(cfg aws.Config) *Handler {
	return NewWithClient(awsbackup.NewFromConfig(cfg))
}

// NewWithClient creates a handler with an explicit client. Used by tests.
func NewWithClient(client api) *Handler {
	return &Handler{client: client, log: logger.New("backup-specialist")}
}

// Invoke dispatches a catalogued action. Arguments are validated against
// the catalogue schema before they reach this method.
func (h *Handler) Invoke(ctx context.Context, actionID string, args map[string]interface{}) (map[string]interface{}, error) {
	h.log.Debug("", "", "invoking action", map[string]interface{}{"action": actionID})
	switch actionID {
	case "list-backup-plans":
		return h.listPlans(ctx)
	case "create-backup-plan":
		return h.createPlan(ctx, args)
	case "describe-backup-plan":
		return h.describePlan(ctx, args)
	case "delete-backup-plan":
		return h.deletePlan(ctx, args)
	case "assign-resource":
		return h.assignResource(ctx, args)
	case "list-backup-jobs":
		return h.listJobs(ctx)
	}
	return nil, fmt.Errorf("unsupported action %q", actionID)
}

func (h *Handler) listPlans(ctx context.Context) (map[string]interface{}, error) {
	plans := []interface{}{}
	var next *string
	for {
		out, err := h.client.ListBackupPlans(ctx, &awsbackup.ListBackupPlansInput{NextToken: next})
		if err != nil {
			return nil, fmt.Errorf("listing backup plans: %w", err)
		}
		for _, plan := range out.BackupPlansList {
			entry := map[string]interface{}{
				"plan_id":   aws.ToString(plan.BackupPlanId),
				"plan_name": aws.ToString(plan.BackupPlanName),
			}
			if plan.CreationDate != nil {
				entry["creation_date"] = plan.CreationDate.Format(time.RFC3339)
			}
			if plan.LastExecutionDate != nil {
				entry["last_execution_date"] = plan.LastExecutionDate.Format(time.RFC3339)
			}
			plans = append(plans, entry)
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return map[string]interface{}{
		"message":      fmt.Sprintf("Found %d backup plans", len(plans)),
		"backup_plans": plans,
	}, nil
}

func (h *Handler) createPlan(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	planName, _ := args["plan_name"].(string)
	ruleName, _ := args["rule_name"].(string)
	schedule, _ := args["schedule"].(string)
	vaultName, ok := args["vault_name"].(string)
	if !ok || vaultName == "" {
		vaultName = "Default"
	}

	out, err := h.client.CreateBackupPlan(ctx, &awsbackup.CreateBackupPlanInput{
		BackupPlan: &backuptypes.BackupPlanInput{
			BackupPlanName: aws.String(planName),
			Rules: []backuptypes.BackupRuleInput{
				{
					RuleName:              aws.String(ruleName),
					TargetBackupVaultName: aws.String(vaultName),
					ScheduleExpression:    aws.String(schedule),
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating backup plan %s: %w", planName, err)
	}

	planID := aws.ToString(out.BackupPlanId)
	return map[string]interface{}{
		"message":   fmt.Sprintf("Created backup plan %s (%s)", planName, planID),
		"plan_id":   planID,
		"plan_name": planName,
	}, nil
}

func (h *Handler) describePlan(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	planID, _ := args["plan_id"].(string)

	out, err := h.client.GetBackupPlan(ctx, &awsbackup.GetBackupPlanInput{
		BackupPlanId: aws.String(planID),
	})
	if err != nil {
		return nil, fmt.Errorf("describing backup plan %s: %w", planID, err)
	}

	result := map[string]interface{}{
		"message": fmt.Sprintf("Backup plan %s", planID),
		"plan_id": aws.ToString(out.BackupPlanId),
	}
	if out.BackupPlan != nil {
		result["plan_name"] = aws.ToString(out.BackupPlan.BackupPlanName)
		rules := []interface{}{}
		for _, rule := range out.BackupPlan.Rules {
			rules = append(rules, map[string]interface{}{
				"rule_name": aws.ToString(rule.RuleName),
				"vault":     aws.ToString(rule.TargetBackupVaultName),
				"schedule":  aws.ToString(rule.ScheduleExpression),
			})
		}
		result["rules"] = rules
	}
	return result, nil
}

func (h *Handler) deletePlan(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	planID, _ := args["plan_id"].(string)

	_, err := h.client.DeleteBackupPlan(ctx, &awsbackup.DeleteBackupPlanInput{
		BackupPlanId: aws.String(planID),
	})
	if err != nil {
		return nil, fmt.Errorf("deleting backup plan %s: %w", planID, err)
	}
	return map[string]interface{}{
		"message": fmt.Sprintf("Backup plan %s deleted successfully", planID),
		"plan_id": planID,
	}, nil
}

func (h *Handler) assignResource(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
	planID, _ := args["plan_id"].(string)
	roleArn, _ := args["iam_role_arn"].(string)
	resourceArn, _ := args["resource_arn"].(string)

	out, err := h.client.CreateBackupSelection(ctx, &awsbackup.CreateBackupSelectionInput{
		BackupPlanId: aws.String(planID),
		BackupSelection: &backuptypes.BackupSelection{
			SelectionName: aws.String("selection-" + planID),
			IamRoleArn:    aws.String(roleArn),
			Resources:     []string{resourceArn},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("assigning resource to backup plan %s: %w", planID, err)
	}
	return map[string]interface{}{
		"message":      fmt.Sprintf("Resource assigned to backup plan %s", planID),
		"plan_id":      planID,
		"selection_id": aws.ToString(out.SelectionId),
	}, nil
}

func (h *Handler) listJobs(ctx context.Context) (map[string]interface{}, error) {
	jobs := []interface{}{}
	var next *string
	for {
		out, err := h.client.ListBackupJobs(ctx, &awsbackup.ListBackupJobsInput{NextToken: next})
		if err != nil {
			return nil, fmt.Errorf("listing backup jobs: %w", err)
		}
		for _, job := range out.BackupJobs {
			entry := map[string]interface{}{
				"backup_job_id": aws.ToString(job.BackupJobId),
				"state":         string(job.State),
				"resource_arn":  aws.ToString(job.ResourceArn),
				"percent_done":  aws.ToString(job.PercentDone),
			}
			if job.CreationDate != nil {
				entry["creation_date"] = job.CreationDate.Format(time.RFC3339)
			}
			if job.CompletionDate != nil {
				entry["completion_date"] = job.CompletionDate.Format(time.RFC3339)
			}
			jobs = append(jobs, entry)
		}
		if out.NextToken == nil {
			break
		}
		next = out.NextToken
	}
	return map[string]interface{}{
		"message":     fmt.Sprintf("Found %d backup jobs", len(jobs)),
		"backup_jobs": jobs,
	}, nil
}
