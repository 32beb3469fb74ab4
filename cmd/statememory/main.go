// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command statememory starts the state memory HTTP server.
//
// It reads configuration from environment variables and runs until SIGINT
// or SIGTERM, then drains in-flight requests.
//
// # Environment Variables
//
//   - STATEMEMORY_PORT: HTTP port (default: 12310)
//   - STATEMEMORY_BACKEND: memory, badger or redis (default: memory)
//   - STATEMEMORY_BADGER_PATH: Badger data directory
//   - STATEMEMORY_REDIS_ADDR: Redis host:port
//   - STATEMEMORY_REDIS_PREFIX: Redis key prefix (default: statememory)
//   - STATEMEMORY_POLICY_FILE: YAML policy (default: embedded policy)
//   - STATEMEMORY_SUMMARY_CHARS: Slice summary character budget (default: 2000)
//   - STATEMEMORY_SUMMARY_TOKENS: Slice summary token budget (default: off)
//   - STATEMEMORY_TOKEN_ENCODING: tiktoken encoding or model (default: cl100k_base)
//   - STATEMEMORY_GLOB_PATTERNS: "true" enables path:<glob> slices
//   - STATEMEMORY_API_TOKENS: token:user:tenantA|tenantB entries, comma separated.
//     A tenant of "*" grants the admin role. Unset means no authentication.
//   - STATEMEMORY_AUDIT_LOG: "true" writes audit events to the log
//   - STATEMEMORY_LOG_LEVEL: debug, info, warn, error (default: info)
//   - STATEMEMORY_LOG_DIR: Also write JSON logs to daily files here
//   - OTEL_TRACES_EXPORTER: otlp, stdout or none (default: none)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OTLP gRPC collector (default: localhost:4317)
//   - GIN_MODE: debug, release or test
//
// # Usage
//
//	go build -o statememory ./cmd/statememory
//	STATEMEMORY_BACKEND=badger STATEMEMORY_BADGER_PATH=./data ./statememory
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/AleutianAI/statememory/pkg/extensions"
	"github.com/AleutianAI/statememory/pkg/logging"
	"github.com/AleutianAI/statememory/services/statememory"
)

func main() {
	level, err := logging.ParseLevel(os.Getenv("STATEMEMORY_LOG_LEVEL"))
	if err != nil {
		log.Printf("Ignoring STATEMEMORY_LOG_LEVEL: %v", err)
	}
	logger, err := logging.New(logging.Config{
		Level:   level,
		LogDir:  os.Getenv("STATEMEMORY_LOG_DIR"),
		Service: "statememory",
		JSON:    true,
	})
	if err != nil {
		logger.Slog().Warn("File logging disabled", "error", err)
	}
	defer logger.Close()
	slogger := logger.Slog()

	cfg := statememory.Config{
		Port:               getEnvInt("STATEMEMORY_PORT", 12310),
		Backend:            getEnvString("STATEMEMORY_BACKEND", statememory.BackendMemory),
		BadgerPath:         os.Getenv("STATEMEMORY_BADGER_PATH"),
		RedisAddr:          os.Getenv("STATEMEMORY_REDIS_ADDR"),
		RedisPrefix:        os.Getenv("STATEMEMORY_REDIS_PREFIX"),
		PolicyFile:         os.Getenv("STATEMEMORY_POLICY_FILE"),
		MaxSummaryChars:    getEnvInt("STATEMEMORY_SUMMARY_CHARS", 0),
		MaxSummaryTokens:   getEnvInt("STATEMEMORY_SUMMARY_TOKENS", 0),
		TokenEncoding:      os.Getenv("STATEMEMORY_TOKEN_ENCODING"),
		EnableGlobPatterns: getEnvBool("STATEMEMORY_GLOB_PATTERNS", false),
		AuditToLog:         getEnvBool("STATEMEMORY_AUDIT_LOG", false),
		TraceExporter:      getEnvString("OTEL_TRACES_EXPORTER", statememory.TraceExporterNone),
		OTelEndpoint:       getEnvString("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		GinMode:            os.Getenv("GIN_MODE"),
		Logger:             slogger,
	}

	opts := extensions.DefaultOptions()
	if raw := os.Getenv("STATEMEMORY_API_TOKENS"); raw != "" {
		tokens, err := parseTokens(raw)
		if err != nil {
			log.Fatalf("Invalid STATEMEMORY_API_TOKENS: %v", err)
		}
		opts = opts.
			WithAuth(extensions.NewStaticTokenAuthProvider(tokens)).
			WithAuthz(&extensions.TenantAuthzProvider{})
		slogger.Info("Token authentication enabled", "tokens", len(tokens))
	}

	svc, err := statememory.New(cfg, &opts)
	if err != nil {
		log.Fatalf("Failed to create state memory service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		slogger.Info("Shutting down")
		if err := svc.Shutdown(context.Background()); err != nil {
			slogger.Error("Shutdown error", "error", err)
		}
	}()

	if err := svc.Run(); err != nil {
		log.Fatalf("State memory server error: %v", err)
	}
}

// parseTokens reads "token:user:tenantA|tenantB" entries separated by
// commas. The tenant "*" grants the admin role.
func parseTokens(raw string) (map[string]extensions.AuthInfo, error) {
	out := make(map[string]extensions.AuthInfo)
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
			return nil, fmt.Errorf("entry %q is not token:user:tenants", redact(entry))
		}
		info := extensions.AuthInfo{UserID: parts[1]}
		for _, tenant := range strings.Split(parts[2], "|") {
			tenant = strings.TrimSpace(tenant)
			switch tenant {
			case "":
			case "*":
				info.Roles = append(info.Roles, extensions.RoleAdmin)
			default:
				info.Tenants = append(info.Tenants, tenant)
			}
		}
		out[parts[0]] = info
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no tokens configured")
	}
	return out, nil
}

// redact hides everything before the first ':' so tokens never reach logs.
func redact(entry string) string {
	if i := strings.Index(entry, ":"); i >= 0 {
		return "***" + entry[i:]
	}
	return "***"
}

// getEnvString returns the environment variable value or a default.
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool returns the environment variable as bool or a default.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
