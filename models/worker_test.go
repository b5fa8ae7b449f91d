package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestResolveClass(t *testing.T) {
	tests := []struct {
		language string
		tool     string
		want     WorkerClass
		wantErr  bool
	}{
		{language: "rust", want: ClassRustGrader},
		{language: "solidity", want: ClassFoundryCompiler},
		{language: "move", want: ClassMoveCompiler},
		{language: "solidity", tool: "hardhat", want: ClassHardhatCompiler},
		{language: "rust", tool: "cargo", want: ClassCargoCompiler},
		{language: "solidity", tool: "foundry", want: ClassFoundryCompiler},
		{language: "cobol", wantErr: true},
		{language: "rust", tool: "bazel", wantErr: true},
		{language: "", tool: "", wantErr: true},
	}

	for _, tt := range tests {
		name := fmt.Sprintf("%s/%s", tt.language, tt.tool)
		t.Run(name, func(t *testing.T) {
			got, err := ResolveClass(tt.language, tt.tool)
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedLanguage) {
					t.Fatalf("expected ErrUnsupportedLanguage, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %s, want %s", got, tt.want)
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrCapacityExceeded, FailureCapacityExceeded},
		{fmt.Errorf("wrapped: %w", ErrCapacityExceeded), FailureCapacityExceeded},
		{ErrExecutionTimeout, FailureExecutionTimeout},
		{fmt.Errorf("%w: worker returned 500", ErrWorkerFault), FailureWorkerFault},
		{ErrUnsupportedLanguage, FailureUnsupportedLanguage},
		{errors.New("something else"), FailureInternal},
	}

	for _, tt := range tests {
		if got := ClassifyError(tt.err); got != tt.want {
			t.Errorf("ClassifyError(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestJobTerminal(t *testing.T) {
	for _, status := range []string{StatusQueued, StatusProcessing} {
		job := GradingJob{Status: status}
		if job.Terminal() {
			t.Errorf("status %s should not be terminal", status)
		}
	}
	for _, status := range []string{StatusCompleted, StatusFailed} {
		job := GradingJob{Status: status}
		if !job.Terminal() {
			t.Errorf("status %s should be terminal", status)
		}
	}
}

func TestPoolStatusJSONFieldNames(t *testing.T) {
	snap := PoolSnapshot{
		Workers: []Worker{{
			ID:         "w-1",
			Class:      ClassRustGrader,
			State:      WorkerReady,
			CreatedAt:  time.Now(),
			LastUsedAt: time.Now(),
		}},
		CountByClass: map[string]int{string(ClassRustGrader): 1},
		CountByState: map[string]int{string(WorkerReady): 1},
	}
	data, err := json.Marshal(snap)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	body := string(data)

	// The status surface is camelCase like the rest of the HTTP API.
	for _, want := range []string{"createdAt", "lastUsedAt", "countByType", "countByStatus"} {
		if !strings.Contains(body, "\""+want+"\"") {
			t.Errorf("missing field %q in %s", want, body)
		}
	}
	for _, stale := range []string{"created_at", "last_used_at", "count_by_type", "count_by_status"} {
		if strings.Contains(body, stale) {
			t.Errorf("snake_case field %q leaked into %s", stale, body)
		}
	}
}
