package models

import "time"

// WorkerState is the lifecycle state of an execution worker.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerBusy     WorkerState = "busy"
	WorkerStopping WorkerState = "stopping"
	WorkerStopped  WorkerState = "stopped"
	WorkerError    WorkerState = "error"
)

// WorkerClass is the capability class of a worker. The set is closed:
// routing from submission language/tool to a class is a flat lookup,
// not runtime registration.
type WorkerClass string

const (
	ClassRustGrader      WorkerClass = "rust-grader"
	ClassFoundryCompiler WorkerClass = "foundry-compiler"
	ClassHardhatCompiler WorkerClass = "hardhat-compiler"
	ClassCargoCompiler   WorkerClass = "cargo-compiler"
	ClassMoveCompiler    WorkerClass = "move-compiler"
)

// AllWorkerClasses lists every capability class the pool can provision.
var AllWorkerClasses = []WorkerClass{
	ClassRustGrader,
	ClassFoundryCompiler,
	ClassHardhatCompiler,
	ClassCargoCompiler,
	ClassMoveCompiler,
}

// Worker represents a leased execution unit owned by the pool manager.
// The orchestrator only ever holds a borrowed reference for one job.
type Worker struct {
	ID           string      `json:"id"`
	Class        WorkerClass `json:"type"`
	State        WorkerState `json:"status"`
	Endpoint     string      `json:"endpoint"`
	Capabilities []string    `json:"capabilities"`
	CreatedAt    time.Time   `json:"createdAt"`
	LastUsedAt   time.Time   `json:"lastUsedAt"`
}

// ClassCapabilities maps each capability class to its declared tags.
var ClassCapabilities = map[WorkerClass][]string{
	ClassRustGrader:      {"rust", "grading", "test-execution"},
	ClassFoundryCompiler: {"solidity", "foundry", "compile"},
	ClassHardhatCompiler: {"solidity", "hardhat", "compile"},
	ClassCargoCompiler:   {"rust", "cargo", "compile"},
	ClassMoveCompiler:    {"move", "compile"},
}

// languageClasses maps a submission language to its default class.
var languageClasses = map[string]WorkerClass{
	"rust":     ClassRustGrader,
	"solidity": ClassFoundryCompiler,
	"move":     ClassMoveCompiler,
}

// toolClasses maps an explicit tool override to a class. A recognized
// tool wins over the language default.
var toolClasses = map[string]WorkerClass{
	"foundry": ClassFoundryCompiler,
	"hardhat": ClassHardhatCompiler,
	"cargo":   ClassCargoCompiler,
}

// ResolveClass maps a submission's language and optional tool override to
// a capability class. Unrecognized combinations are rejected here, before
// a worker is ever requested.
func ResolveClass(language, tool string) (WorkerClass, error) {
	if tool != "" {
		if class, ok := toolClasses[tool]; ok {
			return class, nil
		}
		return "", ErrUnsupportedLanguage
	}
	if class, ok := languageClasses[language]; ok {
		return class, nil
	}
	return "", ErrUnsupportedLanguage
}

// PoolSnapshot is the pool-level view returned by GET /workers/status.
type PoolSnapshot struct {
	Workers      []Worker       `json:"workers"`
	CountByClass map[string]int `json:"countByType"`
	CountByState map[string]int `json:"countByStatus"`
}
