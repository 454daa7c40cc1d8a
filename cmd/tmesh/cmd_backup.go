// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/TemplateMesh/cmd/tmesh/gcs"
	"github.com/AleutianAI/TemplateMesh/pkg/ux"
	"github.com/AleutianAI/TemplateMesh/services/registry/orchestrator"
)

// backupStamp formats the UTC timestamp segment of a backup prefix.
const backupStamp = "20060102T150405Z"

// backupObjectPrefix builds the object prefix for one scope backup:
// prefix/scope/timestamp.
func backupObjectPrefix(prefix, scope string, now time.Time) string {
	return path.Join(prefix, scope, now.UTC().Format(backupStamp))
}

// runBackup uploads a scope's on-disk state to Google Cloud Storage.
//
// The scope must use a disk backend; memory scopes have nothing to
// upload. Badger scopes upload every file under the scope directory,
// SQLite scopes upload the single database file.
//
// # Exit Codes
//
//   - 0: Backup uploaded
//   - 2: Error
func runBackup(cmd *cobra.Command, args []string) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	scope := args[0]
	if backupBucket == "" || backupKeyPath == "" {
		OutputError(jsonOutput, "Missing required flags",
			fmt.Errorf("--bucket and --key are required"))
		os.Exit(CLIExitError)
	}

	known := false
	for _, name := range plan.Databases {
		if name == scope {
			known = true
			break
		}
	}
	if !known {
		OutputError(jsonOutput, "Invalid database scope",
			fmt.Errorf("unknown scope %q: plan defines %v", scope, plan.Databases))
		os.Exit(CLIExitError)
	}
	if plan.Backend == orchestrator.BackendMemory {
		OutputError(jsonOutput, "Nothing to back up",
			fmt.Errorf("the %s backend keeps no on-disk state", plan.Backend))
		os.Exit(CLIExitError)
	}

	source := plan.ScopePath(scope)
	if _, err := os.Stat(source); err != nil {
		OutputError(jsonOutput, fmt.Sprintf("Scope state not found at %s", source), err)
		os.Exit(CLIExitError)
	}

	client, err := gcs.NewClient(ctx, backupProject, backupBucket, backupKeyPath)
	if err != nil {
		OutputError(jsonOutput, "Failed to create GCS client", err)
		os.Exit(CLIExitError)
	}

	prefix := backupObjectPrefix(backupPrefix, scope, time.Now())
	var uploaded int
	upload := func() error {
		var upErr error
		switch plan.Backend {
		case orchestrator.BackendBadger:
			uploaded, upErr = client.UploadDir(ctx, source, prefix)
		default:
			object := path.Join(prefix, path.Base(source))
			if upErr = client.UploadFile(ctx, source, object); upErr == nil {
				uploaded = 1
			}
		}
		return upErr
	}
	if machineMode() {
		err = upload()
	} else {
		err = ux.WithSpinner(
			fmt.Sprintf("Uploading %s to gs://%s/%s", scope, backupBucket, prefix),
			upload)
	}
	if err != nil {
		os.Exit(OutputResult(outputCfg(), "backup", start, nil, false, err))
	}

	if !jsonOutput && !quietOutput {
		ux.Success(fmt.Sprintf("Uploaded %d file(s) to gs://%s/%s",
			uploaded, backupBucket, prefix))
	}
	os.Exit(OutputResult(outputCfg(), "backup", start, BackupResult{
		Database:      scope,
		Backend:       string(plan.Backend),
		Source:        source,
		Bucket:        backupBucket,
		Prefix:        prefix,
		FilesUploaded: uploaded,
	}, false, nil))
}
