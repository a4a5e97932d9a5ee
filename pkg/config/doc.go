// Package config loads the engine configuration and the task definitions
// of the ops automator.
//
// # Engine Configuration
//
// EngineConfig is read from YAML, filled with defaults and validated:
//
//	cfg, err := config.LoadEngineConfig("engine.yaml")
//	if err != nil {
//	    return err
//	}
//	dispatcher := engine.NewDispatcher(cfg.DispatcherConfig(), ...)
//
// Retry policies are configured per service; services without one use
// retry.DefaultPolicy.
//
// # Task Sources
//
// Tasks come from a YAML file or directory (TaskLoader) or a DynamoDB table
// (TaskTableSource). Both validate task fields, tag filters and role ARNs
// before returning. TaskLoader.Watch reloads file tasks on change and keeps
// the previous definitions when a reload is invalid.
//
//	tasks:
//	  - name: nightly-backup
//	    action: ec2-create-snapshot
//	    tag_filter: "Backup=true & !Env=dev*"
//	    regions: [us-east-1]
//	    cross_account_roles:
//	      - arn:aws:iam::222222222222:role/OpsAutomatorRole
//
// # Triggers
//
// TriggerQueue receives dispatch requests and EventBridge events from SQS.
// MatchTasks selects the tasks a message dispatches.
package config
