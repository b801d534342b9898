package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/kursadbilgin/sendit/internal/config"
	"github.com/spf13/cobra"
)

func TestExitCode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{name: "success", err: nil, want: 0},
		{name: "nothing to do", err: errNothingToDo, want: 1},
		{name: "wrapped nothing to do", err: fmt.Errorf("start-queue: %w", errNothingToDo), want: 1},
		{name: "canceled", err: context.Canceled, want: 1},
		{name: "failure", err: errors.New("boom"), want: 1},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			if got := exitCode(tt.err); got != tt.want {
				t.Fatalf("exitCode() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReportCount(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)

	if err := reportCount(cmd, 3, "folders queued for import"); err != nil {
		t.Fatalf("reportCount() error = %v", err)
	}
	if err := reportCount(cmd, 0, "folders queued for import"); !errors.Is(err, errNothingToDo) {
		t.Fatalf("reportCount() error = %v, want errNothingToDo", err)
	}

	want := "3 folders queued for import\n0 folders queued for import\n"
	if out.String() != want {
		t.Fatalf("output = %q, want %q", out.String(), want)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	for _, name := range []string{
		"worker", "start-queue", "move-queue", "upload-finished",
		"watcher", "batch-logs", "show-times", "migrate",
	} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd == root {
			t.Fatalf("Find(%q) = %v, %v", name, cmd, err)
		}
	}

	if cmd, _, err := root.Find([]string{"watcher", "start"}); err != nil || cmd.Name() != "start" {
		t.Fatalf("Find(watcher start) = %v, %v", cmd, err)
	}
}

func TestPipelineConfigFromConfig(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		EntityIDField:     "PatientID",
		ItemIDField:       "SOPInstanceUID",
		CodedFields:       "AccessionNumber, StudyID",
		DefaultStudy:      "test",
		DeidPolicy:        "dicom.blacklist",
		DeidentifyRestful: true,
		DeidentifyPixels:  true,
		UploadMode:        config.UploadModeDeferred,
		MultiPatient:      config.MultiPatientError,
	}

	got, err := pipelineConfig(cfg)
	if err != nil {
		t.Fatalf("pipelineConfig() error = %v", err)
	}
	if got.Policy == nil || got.Policy.Name != "dicom.blacklist" {
		t.Fatalf("policy = %+v", got.Policy)
	}
	if len(got.Keys.CodedFields) != 2 || got.Keys.CodedFields[1] != "StudyID" {
		t.Fatalf("coded fields = %v", got.Keys.CodedFields)
	}
	if !got.LookupEnabled || !got.DeferUpload || !got.RejectMultiPatient || !got.ScrubPixels {
		t.Fatalf("flags = %+v", got)
	}
	if got.Study != "test" {
		t.Fatalf("study = %q, want test", got.Study)
	}

	cfg.DeidPolicy = "unknown.policy"
	if _, err := pipelineConfig(cfg); err == nil {
		t.Fatal("pipelineConfig() error = nil, want error for unknown policy")
	}
}

func TestRetryPolicyFromConfig(t *testing.T) {
	t.Parallel()

	got := retryPolicy(&config.Config{
		RetryMaxAttempts:  5,
		RetryInitialDelay: 2 * time.Second,
		RetryMaxDelay:     20 * time.Second,
	})
	if got.MaxAttempts != 5 || got.InitialDelay != 2*time.Second || got.MaxDelay != 20*time.Second {
		t.Fatalf("retryPolicy() = %+v", got)
	}
	if got.Retryable != nil {
		t.Fatal("Retryable must be left to each caller")
	}
}
