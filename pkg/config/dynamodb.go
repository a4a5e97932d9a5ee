package config

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/opsautomator/opsautomator/pkg/engine"
	"github.com/opsautomator/opsautomator/pkg/retry"
	"github.com/opsautomator/opsautomator/pkg/telemetry"
)

// TableConfig locates the DynamoDB table holding task definitions.
type TableConfig struct {
	ConnectionConfig `yaml:",inline"`

	TableName string `yaml:"table_name" validate:"required"`
}

// taskItem is the item layout of the task table. Durations are stored as
// Go duration strings.
type taskItem struct {
	Name              string                         `dynamodbav:"Name"`
	Action            string                         `dynamodbav:"Action"`
	Enabled           *bool                          `dynamodbav:"Enabled"`
	Description       string                         `dynamodbav:"Description,omitempty"`
	TagFilter         string                         `dynamodbav:"TagFilter,omitempty"`
	TaskListTag       string                         `dynamodbav:"TaskListTagName,omitempty"`
	Parameters        map[string]interface{}         `dynamodbav:"Parameters,omitempty"`
	Events            map[string]map[string][]string `dynamodbav:"Events,omitempty"`
	Aggregation       string                         `dynamodbav:"Aggregation,omitempty"`
	Accounts          []string                       `dynamodbav:"Accounts,omitempty"`
	ThisAccount       bool                           `dynamodbav:"ThisAccount"`
	CrossAccountRoles []string                       `dynamodbav:"CrossAccountRoles,omitempty"`
	Regions           []string                       `dynamodbav:"Regions,omitempty"`
	Timeout           string                         `dynamodbav:"Timeout,omitempty"`
	MinInterval       string                         `dynamodbav:"MinInterval,omitempty"`
	Schedule          string                         `dynamodbav:"Interval,omitempty"`
}

func (item *taskItem) task() (*engine.Task, error) {
	task := &engine.Task{
		Name:              item.Name,
		Action:            item.Action,
		Enabled:           item.Enabled == nil || *item.Enabled,
		Description:       item.Description,
		TagFilter:         item.TagFilter,
		TaskListTag:       item.TaskListTag,
		Parameters:        item.Parameters,
		Events:            item.Events,
		Aggregation:       engine.Aggregation(item.Aggregation),
		Accounts:          item.Accounts,
		ThisAccount:       item.ThisAccount,
		CrossAccountRoles: item.CrossAccountRoles,
		Regions:           item.Regions,
		Schedule:          item.Schedule,
	}

	var err error
	if task.Timeout, err = parseOptionalDuration(item.Timeout); err != nil {
		return nil, fmt.Errorf("task %s: invalid timeout: %w", item.Name, err)
	}
	if task.MinInterval, err = parseOptionalDuration(item.MinInterval); err != nil {
		return nil, fmt.Errorf("task %s: invalid min interval: %w", item.Name, err)
	}
	addRoleAccounts(task)
	return task, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// TaskTableSource reads task definitions from a DynamoDB table.
type TaskTableSource struct {
	table  string
	client dynamodb.ScanAPIClient
	retry  *retry.Client
	logger *telemetry.Logger
}

var _ TaskSource = (*TaskTableSource)(nil)

// NewTaskTableSource creates a source scanning table through client.
func NewTaskTableSource(table string, client dynamodb.ScanAPIClient, rc *retry.Client, logger *telemetry.Logger) *TaskTableSource {
	if rc == nil {
		rc = retry.New("dynamodb", retry.DefaultPolicy())
	}
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &TaskTableSource{
		table:  table,
		client: client,
		retry:  rc,
		logger: logger.NewComponentLogger("task-table").WithField("table", table),
	}
}

// NewDynamoDBClient creates the DynamoDB client of cfg.
func NewDynamoDBClient(ctx context.Context, cfg TableConfig) (*dynamodb.Client, error) {
	sdkConfig, err := LoadAWSConfig(ctx, cfg.ConnectionConfig)
	if err != nil {
		return nil, err
	}
	var opts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, dynamodb.WithEndpointResolverV2(&dynamoDBEndpointResolver{endpointURL: cfg.Endpoint}))
	}
	return dynamodb.NewFromConfig(sdkConfig, opts...), nil
}

// LoadTasks scans the table and returns the validated tasks.
func (s *TaskTableSource) LoadTasks(ctx context.Context) ([]*engine.Task, error) {
	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:      aws.String(s.table),
		ConsistentRead: aws.Bool(true),
	})

	var tasks []*engine.Task
	for paginator.HasMorePages() {
		page, err := retry.Call(ctx, s.retry, "Scan", func(ctx context.Context) (*dynamodb.ScanOutput, error) {
			return paginator.NextPage(ctx)
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan task table %s: %w", s.table, err)
		}

		for _, av := range page.Items {
			var item taskItem
			if err := attributevalue.UnmarshalMap(av, &item); err != nil {
				return nil, fmt.Errorf("failed to unmarshal task item: %w", err)
			}
			task, err := item.task()
			if err != nil {
				return nil, engine.NewConfigurationError(err.Error(), err).WithCode(engine.ErrCodeValidation)
			}
			tasks = append(tasks, task)
		}
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].Name < tasks[j].Name })
	if err := ValidateTasks(tasks); err != nil {
		return nil, err
	}
	s.logger.Infof("Loaded %d tasks", len(tasks))
	return tasks, nil
}
