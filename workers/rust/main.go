package main

import (
	"encoding/json"
	"log"
	"net/http"
	"os"
	"time"
)

type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
	Weight   int    `json:"weight,omitempty"`
}

type GradeRequest struct {
	JobID     string     `json:"jobId"`
	Language  string     `json:"language"`
	Code      string     `json:"code"`
	TestCases []TestCase `json:"testCases"`
	Artifact  string     `json:"artifact,omitempty"`
}

type GradeResult struct {
	Score       float64  `json:"score"`
	Passed      int      `json:"passed"`
	Total       int      `json:"total"`
	Diagnostics []string `json:"diagnostics,omitempty"`
	DurationMs  int64    `json:"duration_ms"`
	Artifact    string   `json:"artifact,omitempty"`
}

func main() {
	port := os.Getenv("WORKER_PORT")
	if port == "" {
		port = "9000"
	}

	http.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{"status": "UP"})
	})

	http.HandleFunc("/grade", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		var req GradeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		log.Printf("grading job %s (%d test cases)", req.JobID, len(req.TestCases))
		start := time.Now()
		result := Grade(&req)
		result.DurationMs = time.Since(start).Milliseconds()
		log.Printf("finished job %s: %d/%d passed", req.JobID, result.Passed, result.Total)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	})

	log.Printf("rust worker listening on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, nil))
}
