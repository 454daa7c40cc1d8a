// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package catalog carries the builtin registry data: the default
// database scopes, the placeholder taxonomy, the environment profiles,
// and the per-environment adaptation rules.
//
// # Description
//
// The catalog is plain data plus an idempotent Seed. Seeding registers
// rules, then the profiles that select them, then the placeholders;
// entries whose keys already exist are skipped and counted, so Seed can
// run on every startup.
//
// # Thread Safety
//
// The catalog functions return fresh copies and are safe for
// concurrent use.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/TemplateMesh/services/registry/entity"
)

// Databases returns the default database scope set.
func Databases() []string {
	return []string{
		"analytics_collector",
		"capability_scaler",
		"continuous_innovation",
		"factory_deployment",
		"learning_monitor",
		"performance_analysis",
		"production",
		"scaling_innovation",
	}
}

// Environments returns the environment names the builtin profiles and
// rules cover.
func Environments() []string {
	return []string{
		"development",
		"testing",
		"staging",
		"production",
		"disaster_recovery",
		"cloud_native",
		"edge_computing",
		"ai_ml_training",
	}
}

// ============================================================================
// Placeholder taxonomy
// ============================================================================

// Placeholders returns the canonical placeholder taxonomy: 34
// placeholders across seven categories, each with a validation pattern
// and a security tier. Secret-tier entries ship without defaults.
func Placeholders() []entity.PlaceholderSpec {
	return []entity.PlaceholderSpec{
		// Database connection.
		{Name: "DATABASE_HOST", Type: entity.TypeDatabase, Category: "DATABASE_CONNECTION",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "localhost",
			ValidationPattern: `^[a-zA-Z0-9.-]+$`},
		{Name: "DATABASE_PORT", Type: entity.TypeDatabase, Category: "DATABASE_CONNECTION",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "5432",
			ValidationPattern: `^\d{1,5}$`},
		{Name: "DATABASE_NAME", Type: entity.TypeDatabase, Category: "DATABASE_CONNECTION",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "myapp_db",
			ValidationPattern: `^[a-zA-Z_][a-zA-Z0-9_]*$`},
		{Name: "DATABASE_USER", Type: entity.TypeDatabase, Category: "DATABASE_CONNECTION",
			SecurityLevel: entity.SecurityConfidential, DefaultValue: "app_user",
			ValidationPattern: `^[a-zA-Z_][a-zA-Z0-9_]*$`},
		{Name: "DATABASE_PASSWORD", Type: entity.TypeDatabase, Category: "DATABASE_CONNECTION",
			SecurityLevel:     entity.SecuritySecret,
			ValidationPattern: `^.{8,}$`},

		// API configuration.
		{Name: "API_BASE_URL", Type: entity.TypeAPI, Category: "API_CONFIGURATION",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "https://api.example.com",
			ValidationPattern: `^https?://[a-zA-Z0-9.-]+`},
		{Name: "API_VERSION", Type: entity.TypeAPI, Category: "API_CONFIGURATION",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "v1",
			ValidationPattern: `^v?\d+(\.\d+)*$`},
		{Name: "API_KEY", Type: entity.TypeAPI, Category: "API_CONFIGURATION",
			SecurityLevel:     entity.SecuritySecret,
			ValidationPattern: `^[a-zA-Z0-9_-]{32,}$`},
		{Name: "AUTH_TOKEN", Type: entity.TypeAPI, Category: "API_CONFIGURATION",
			SecurityLevel:     entity.SecuritySecret,
			ValidationPattern: `^[a-zA-Z0-9._-]+$`},
		{Name: "REQUEST_TIMEOUT", Type: entity.TypeAPI, Category: "API_CONFIGURATION",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "30",
			ValidationPattern: `^\d+$`},

		// Security configuration.
		{Name: "ENCRYPTION_KEY", Type: entity.TypeSecret, Category: "SECURITY_CONFIG",
			SecurityLevel:     entity.SecuritySecret,
			ValidationPattern: `^[a-zA-Z0-9+/=]{32,}$`},
		{Name: "HASH_ALGORITHM", Type: entity.TypeSecret, Category: "SECURITY_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "sha256",
			ValidationPattern: `^(sha256|sha512|bcrypt)$`},
		{Name: "ACCESS_LEVEL", Type: entity.TypeSecret, Category: "SECURITY_CONFIG",
			SecurityLevel: entity.SecurityConfidential, DefaultValue: "read",
			ValidationPattern: `^(read|write|admin)$`},
		{Name: "JWT_SECRET", Type: entity.TypeSecret, Category: "SECURITY_CONFIG",
			SecurityLevel:     entity.SecuritySecret,
			ValidationPattern: `^[a-zA-Z0-9_-]{64,}$`},
		{Name: "OAUTH_CLIENT_ID", Type: entity.TypeSecret, Category: "SECURITY_CONFIG",
			SecurityLevel:     entity.SecurityConfidential,
			ValidationPattern: `^[a-zA-Z0-9_-]+$`},

		// Monitoring configuration.
		{Name: "LOG_LEVEL", Type: entity.TypeMonitoring, Category: "MONITORING_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "INFO",
			ValidationPattern: `^(DEBUG|INFO|WARN|ERROR)$`},
		{Name: "METRICS_ENDPOINT", Type: entity.TypeMonitoring, Category: "MONITORING_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "http://localhost:9090/metrics",
			ValidationPattern: `^https?://[a-zA-Z0-9.-]+.*/metrics`},
		{Name: "ALERT_EMAIL", Type: entity.TypeMonitoring, Category: "MONITORING_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "admin@example.com",
			ValidationPattern: `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`},
		{Name: "HEALTH_CHECK_URL", Type: entity.TypeMonitoring, Category: "MONITORING_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "http://localhost:8080/health",
			ValidationPattern: `^https?://[a-zA-Z0-9.-]+.*/health`},
		{Name: "MONITORING_URL", Type: entity.TypeMonitoring, Category: "MONITORING_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "http://monitoring.example.com",
			ValidationPattern: `^https?://[a-zA-Z0-9.-]+`},

		// Environment configuration.
		{Name: "ENVIRONMENT_NAME", Type: entity.TypeEnvironment, Category: "ENVIRONMENT_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "development",
			ValidationPattern: `^[a-z][a-z0-9_]*$`},
		{Name: "SERVICE_NAME", Type: entity.TypeEnvironment, Category: "ENVIRONMENT_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "myapp",
			ValidationPattern: `^[a-zA-Z_][a-zA-Z0-9_-]*$`},
		{Name: "DOCKER_IMAGE", Type: entity.TypeEnvironment, Category: "ENVIRONMENT_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "myapp/service",
			ValidationPattern: `^[a-zA-Z0-9._/-]+$`},
		{Name: "IMAGE_TAG", Type: entity.TypeEnvironment, Category: "ENVIRONMENT_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "latest",
			ValidationPattern: `^[a-zA-Z0-9._-]+$`},
		{Name: "HOST_PORT", Type: entity.TypeEnvironment, Category: "ENVIRONMENT_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "8080",
			ValidationPattern: `^\d{1,5}$`},

		// Infrastructure configuration.
		{Name: "DATA_VOLUME", Type: entity.TypeInfrastructure, Category: "INFRASTRUCTURE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "/data",
			ValidationPattern: `^[a-zA-Z0-9._/-]+$`},
		{Name: "LOG_VOLUME", Type: entity.TypeInfrastructure, Category: "INFRASTRUCTURE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "/logs",
			ValidationPattern: `^[a-zA-Z0-9._/-]+$`},
		{Name: "NETWORK_NAME", Type: entity.TypeInfrastructure, Category: "INFRASTRUCTURE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "app_network",
			ValidationPattern: `^[a-zA-Z_][a-zA-Z0-9_-]*$`},
		{Name: "BACKUP_SCHEDULE", Type: entity.TypeInfrastructure, Category: "INFRASTRUCTURE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "0 2 * * *",
			ValidationPattern: `^[0-9*/,-]+\s+[0-9*/,-]+\s+[0-9*/,-]+\s+[0-9*/,-]+\s+[0-9*/,-]+$`},
		{Name: "RETENTION_POLICY", Type: entity.TypeInfrastructure, Category: "INFRASTRUCTURE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "30d",
			ValidationPattern: `^\d+[hdwmy]$`},

		// Compliance configuration.
		{Name: "AUDIT_LOG_PATH", Type: entity.TypeCompliance, Category: "COMPLIANCE_CONFIG",
			SecurityLevel: entity.SecurityConfidential, DefaultValue: "/var/log/audit.log",
			ValidationPattern: `^[a-zA-Z0-9._/-]+\.log$`},
		{Name: "COMPLIANCE_STANDARD", Type: entity.TypeCompliance, Category: "COMPLIANCE_CONFIG",
			SecurityLevel: entity.SecurityPublic, DefaultValue: "SOC2",
			ValidationPattern: `^[A-Z]{2,10}(-\d+)?$`},
		{Name: "DATA_CLASSIFICATION", Type: entity.TypeCompliance, Category: "COMPLIANCE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "INTERNAL",
			ValidationPattern: `^(PUBLIC|INTERNAL|CONFIDENTIAL|RESTRICTED)$`},
		{Name: "PRIVACY_LEVEL", Type: entity.TypeCompliance, Category: "COMPLIANCE_CONFIG",
			SecurityLevel: entity.SecurityInternal, DefaultValue: "MEDIUM",
			ValidationPattern: `^(LOW|MEDIUM|HIGH)$`},
	}
}

// ============================================================================
// Adaptation rules
// ============================================================================

// Rules returns the builtin adaptation rules, grouped by target
// environment across the six rule categories.
func Rules() []entity.RuleSpec {
	return []entity.RuleSpec{
		// Production hardens and quiets everything.
		{RuleID: "production_logging_reduce", EnvironmentContext: "production",
			ConditionPattern: "config|logging|web|service", ConfidenceThreshold: 0.35,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpReplace,
				Pattern: `log_level=(debug|DEBUG)`, Value: "log_level=warn"}},
		{RuleID: "production_database_pool", EnvironmentContext: "production",
			ConditionPattern: "db|database", ConfidenceThreshold: 0.35,
			ExecutionPriority: 20, Category: entity.CategoryDatabase, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpReplace,
				Pattern: `pool_size=\d+`, Value: "pool_size=20"}},
		{RuleID: "production_errors_backoff", EnvironmentContext: "production",
			ConditionPattern: "api|service|web", ConfidenceThreshold: 0.3,
			ExecutionPriority: 30, Category: entity.CategoryErrorHandling, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "retry_backoff=exponential"}},
		{RuleID: "production_performance_cache", EnvironmentContext: "production",
			ConditionPattern: "web|api|cache", ConfidenceThreshold: 0.3,
			ExecutionPriority: 40, Category: entity.CategoryPerformance, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "cache_enabled=true"}},
		{RuleID: "production_security_ssl", EnvironmentContext: "production",
			ConditionPattern: ".*", ConfidenceThreshold: 0.3,
			ExecutionPriority: 50, Category: entity.CategorySecurity, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "ssl_verify=strict"}},
		{RuleID: "production_resource_limits", EnvironmentContext: "production",
			ConditionPattern: "service|web|db", ConfidenceThreshold: 0.3,
			ExecutionPriority: 60, Category: entity.CategoryResource, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "max_memory_mb=2048"}},

		// Disaster recovery strips everything to essentials.
		{RuleID: "disaster_recovery_logging_emergency", EnvironmentContext: "disaster_recovery",
			ConditionPattern: ".*", ConfidenceThreshold: 0.25,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_prefix=EMERGENCY"}},
		{RuleID: "disaster_recovery_database_timeout", EnvironmentContext: "disaster_recovery",
			ConditionPattern: "db|database", ConfidenceThreshold: 0.35,
			ExecutionPriority: 20, Category: entity.CategoryDatabase, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "connect_timeout=5"}},
		{RuleID: "disaster_recovery_errors_degrade", EnvironmentContext: "disaster_recovery",
			ConditionPattern: ".*", ConfidenceThreshold: 0.25,
			ExecutionPriority: 30, Category: entity.CategoryErrorHandling, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "graceful_degradation=on"}},
		{RuleID: "disaster_recovery_resource_minimal", EnvironmentContext: "disaster_recovery",
			ConditionPattern: ".*", ConfidenceThreshold: 0.25,
			ExecutionPriority: 40, Category: entity.CategoryResource, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "resource_mode=minimal"}},

		// Development turns the noise up.
		{RuleID: "development_logging_verbose", EnvironmentContext: "development",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpReplace,
				Pattern: `log_level=\w+`, Value: "log_level=debug"}},
		{RuleID: "development_database_small_pool", EnvironmentContext: "development",
			ConditionPattern: "db|database", ConfidenceThreshold: 0.35,
			ExecutionPriority: 20, Category: entity.CategoryDatabase, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpReplace,
				Pattern: `pool_size=\d+`, Value: "pool_size=2"}},
		{RuleID: "development_errors_fail_fast", EnvironmentContext: "development",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategoryErrorHandling, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "fail_fast=true"}},

		// Testing isolates and captures.
		{RuleID: "testing_logging_capture", EnvironmentContext: "testing",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_handlers=file,test_results"}},
		{RuleID: "testing_database_isolated", EnvironmentContext: "testing",
			ConditionPattern: "db|database", ConfidenceThreshold: 0.35,
			ExecutionPriority: 20, Category: entity.CategoryDatabase, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "db_isolation=per_test"}},
		{RuleID: "testing_errors_strict", EnvironmentContext: "testing",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategoryErrorHandling, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "error_tolerance=zero"}},

		// Staging mirrors production with softer edges.
		{RuleID: "staging_logging_rotate", EnvironmentContext: "staging",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_rotation=daily"}},
		{RuleID: "staging_performance_throttle", EnvironmentContext: "staging",
			ConditionPattern: "web|api|service", ConfidenceThreshold: 0.3,
			ExecutionPriority: 20, Category: entity.CategoryPerformance, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "request_throttle=soft"}},
		{RuleID: "staging_security_monitor", EnvironmentContext: "staging",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategorySecurity, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "security_monitoring=enhanced"}},

		// Cloud native logs to stdout and scales horizontally.
		{RuleID: "cloud_native_logging_stdout", EnvironmentContext: "cloud_native",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_sink=stdout"}},
		{RuleID: "cloud_native_performance_probe", EnvironmentContext: "cloud_native",
			ConditionPattern: "web|api|service", ConfidenceThreshold: 0.3,
			ExecutionPriority: 20, Category: entity.CategoryPerformance, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "health_probe=/healthz"}},
		{RuleID: "cloud_native_resource_autoscale", EnvironmentContext: "cloud_native",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategoryResource, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "autoscale=on"}},

		// Edge computing assumes constrained, intermittently connected
		// hosts.
		{RuleID: "edge_computing_logging_local", EnvironmentContext: "edge_computing",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_sink=local_file"}},
		{RuleID: "edge_computing_errors_offline", EnvironmentContext: "edge_computing",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 20, Category: entity.CategoryErrorHandling, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "offline_queue=on"}},
		{RuleID: "edge_computing_resource_constrained", EnvironmentContext: "edge_computing",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategoryResource, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "max_memory_mb=256"}},

		// AI/ML training favors throughput and exclusive accelerators.
		{RuleID: "ai_ml_training_logging_metrics", EnvironmentContext: "ai_ml_training",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 10, Category: entity.CategoryLogging, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "log_sink=training_metrics"}},
		{RuleID: "ai_ml_training_performance_batch", EnvironmentContext: "ai_ml_training",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 20, Category: entity.CategoryPerformance, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "batch_size=512"}},
		{RuleID: "ai_ml_training_resource_gpu", EnvironmentContext: "ai_ml_training",
			ConditionPattern: ".*", ConfidenceThreshold: 0.2,
			ExecutionPriority: 30, Category: entity.CategoryResource, Active: true,
			Action: entity.Action{Field: entity.FieldContent, Op: entity.OpAppend,
				Value: "gpu_allocation=exclusive"}},
	}
}

// ============================================================================
// Environment profiles
// ============================================================================

// Profiles returns the eight builtin environment profiles. Each
// selects its environment's builtin rules and occupies its own
// priority tier in promotion order.
func Profiles() []entity.ProfileSpec {
	rulesByEnv := make(map[string][]string)
	for _, r := range Rules() {
		rulesByEnv[r.EnvironmentContext] = append(rulesByEnv[r.EnvironmentContext], r.RuleID)
	}

	return []entity.ProfileSpec{
		{ProfileID: "PROFILE_DEVELOPMENT", EnvironmentType: "development", Priority: 10,
			RuleIDs: rulesByEnv["development"], Active: true,
			Description: "Verbose local development: debug logging, tiny pools, fail fast."},
		{ProfileID: "PROFILE_TESTING", EnvironmentType: "testing", Priority: 20,
			RuleIDs: rulesByEnv["testing"], Active: true,
			Description: "Isolated test runs: captured logs, per-test databases, zero error tolerance."},
		{ProfileID: "PROFILE_STAGING", EnvironmentType: "staging", Priority: 30,
			RuleIDs: rulesByEnv["staging"], Active: true,
			Description: "Production mirror with rotation, soft throttling, and enhanced security monitoring."},
		{ProfileID: "PROFILE_PRODUCTION", EnvironmentType: "production", Priority: 40,
			RuleIDs: rulesByEnv["production"], Active: true,
			Description: "Hardened production: quiet logs, large pools, strict SSL, resource ceilings."},
		{ProfileID: "PROFILE_DISASTER_RECOVERY", EnvironmentType: "disaster_recovery", Priority: 50,
			RuleIDs: rulesByEnv["disaster_recovery"], Active: true,
			Description: "Emergency operation: minimal resources, graceful degradation, emergency logging."},
		{ProfileID: "PROFILE_CLOUD_NATIVE", EnvironmentType: "cloud_native", Priority: 60,
			RuleIDs: rulesByEnv["cloud_native"], Active: true,
			Description: "Container platforms: stdout logs, health probes, autoscaling."},
		{ProfileID: "PROFILE_EDGE_COMPUTING", EnvironmentType: "edge_computing", Priority: 70,
			RuleIDs: rulesByEnv["edge_computing"], Active: true,
			Description: "Constrained edge hosts: local logs, offline queues, tight memory."},
		{ProfileID: "PROFILE_AI_ML_TRAINING", EnvironmentType: "ai_ml_training", Priority: 80,
			RuleIDs: rulesByEnv["ai_ml_training"], Active: true,
			Description: "Training clusters: metric logging, large batches, exclusive GPUs."},
	}
}

// ============================================================================
// Seeding
// ============================================================================

// Summary counts what one Seed call did.
type Summary struct {
	// RulesAdded and RulesSkipped count adaptation rules.
	RulesAdded   int `json:"rules_added"`
	RulesSkipped int `json:"rules_skipped"`

	// ProfilesAdded and ProfilesSkipped count environment profiles.
	ProfilesAdded   int `json:"profiles_added"`
	ProfilesSkipped int `json:"profiles_skipped"`

	// PlaceholdersAdded and PlaceholdersSkipped count placeholders.
	PlaceholdersAdded   int `json:"placeholders_added"`
	PlaceholdersSkipped int `json:"placeholders_skipped"`
}

// Empty reports whether the call registered nothing new.
func (s Summary) Empty() bool {
	return s.RulesAdded == 0 && s.ProfilesAdded == 0 && s.PlaceholdersAdded == 0
}

// Seed registers the builtin catalog into a registry.
//
// # Description
//
// Rules go first so the profiles that reference them land coherently,
// then profiles, then placeholders. Existing keys are skipped and
// counted, which makes Seed safe to run on every startup. Any other
// failure aborts the call with the partial summary.
//
// # Inputs
//
//   - ctx: cancellation.
//   - reg: the registry to seed.
//
// # Outputs
//
//   - Summary: counts of added and skipped entries.
//   - error: the first non-duplicate registration failure.
func Seed(ctx context.Context, reg *entity.Registry) (Summary, error) {
	var sum Summary
	if reg == nil {
		return sum, errors.New("catalog: registry is required")
	}

	for _, spec := range Rules() {
		_, err := reg.RegisterRule(ctx, spec)
		switch {
		case err == nil:
			sum.RulesAdded++
		case errors.Is(err, entity.ErrDuplicateKey):
			sum.RulesSkipped++
		default:
			return sum, fmt.Errorf("seed rule %s: %w", spec.RuleID, err)
		}
	}

	for _, spec := range Profiles() {
		err := reg.RegisterProfile(ctx, spec)
		switch {
		case err == nil:
			sum.ProfilesAdded++
		case errors.Is(err, entity.ErrDuplicateKey):
			sum.ProfilesSkipped++
		default:
			return sum, fmt.Errorf("seed profile %s: %w", spec.ProfileID, err)
		}
	}

	for _, spec := range Placeholders() {
		err := reg.RegisterPlaceholder(ctx, spec)
		switch {
		case err == nil:
			sum.PlaceholdersAdded++
		case errors.Is(err, entity.ErrDuplicateKey):
			sum.PlaceholdersSkipped++
		default:
			return sum, fmt.Errorf("seed placeholder %s: %w", spec.Name, err)
		}
	}

	slog.Debug("Seeded builtin catalog",
		"database", reg.Database(),
		"rules_added", sum.RulesAdded,
		"profiles_added", sum.ProfilesAdded,
		"placeholders_added", sum.PlaceholdersAdded)
	return sum, nil
}
