package main

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	CompileTimeout = 30 * time.Second
	RunTimeout     = 5 * time.Second
)

// Grade compiles the submission (or reuses a cached artifact) and runs
// every test case against it, comparing trimmed stdout to the expected
// output. Score is the weighted fraction of passing cases out of 100.
func Grade(req *GradeRequest) *GradeResult {
	result := &GradeResult{Total: len(req.TestCases)}

	workDir := filepath.Join(os.TempDir(), "grader", uuid.New().String())
	if err := os.MkdirAll(workDir, 0755); err != nil {
		result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("workdir: %v", err))
		return result
	}
	defer os.RemoveAll(workDir)

	binPath := filepath.Join(workDir, "submission")
	if req.Artifact != "" {
		// Cached compiled output: skip compilation.
		bin, err := base64.StdEncoding.DecodeString(req.Artifact)
		if err != nil || os.WriteFile(binPath, bin, 0755) != nil {
			result.Diagnostics = append(result.Diagnostics, "cached artifact unusable, recompiling")
			req.Artifact = ""
		}
	}
	if req.Artifact == "" {
		diag, err := compile(workDir, binPath, req.Code)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, "compilation failed", diag)
			return result
		}
		if bin, err := os.ReadFile(binPath); err == nil {
			result.Artifact = base64.StdEncoding.EncodeToString(bin)
		}
	}

	totalWeight, passedWeight := 0, 0
	for i, tc := range req.TestCases {
		weight := tc.Weight
		if weight <= 0 {
			weight = 1
		}
		totalWeight += weight

		out, err := run(binPath, tc.Input)
		if err != nil {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("case %d: %v", i, err))
			continue
		}
		if strings.TrimSpace(out) == strings.TrimSpace(tc.Expected) {
			result.Passed++
			passedWeight += weight
		} else {
			result.Diagnostics = append(result.Diagnostics, fmt.Sprintf("case %d: wrong output", i))
		}
	}

	if totalWeight > 0 {
		result.Score = 100 * float64(passedWeight) / float64(totalWeight)
	}
	return result
}

func compile(workDir, binPath, code string) (string, error) {
	srcPath := filepath.Join(workDir, "main.rs")
	if err := os.WriteFile(srcPath, []byte(code), 0644); err != nil {
		return "", err
	}

	cmd := exec.Command("rustc", "-O", "-o", binPath, srcPath)
	cmd.Dir = workDir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := runWithTimeout(cmd, CompileTimeout); err != nil {
		return stderr.String(), err
	}
	return "", nil
}

func run(binPath, input string) (string, error) {
	cmd := exec.Command(binPath)
	var stdout, stderr bytes.Buffer
	cmd.Stdin = strings.NewReader(input)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := runWithTimeout(cmd, RunTimeout); err != nil {
		return "", fmt.Errorf("%v: %s", err, stderr.String())
	}
	return stdout.String(), nil
}

func runWithTimeout(cmd *exec.Cmd, timeout time.Duration) error {
	done := make(chan error, 1)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
		<-done
		return fmt.Errorf("timed out after %v", timeout)
	}
}
