package runtime

import (
	"fmt"
	"time"
)

type FinalStatus string

const (
	FinalSuccess     FinalStatus = "success"
	FinalHalted      FinalStatus = "halted"
	FinalFail        FinalStatus = "fail"
	FinalInterrupted FinalStatus = "interrupted"
)

// FinalOutcome is written to final.json when the loop stops for any reason.
type FinalOutcome struct {
	Timestamp time.Time   `json:"timestamp"`
	Status    FinalStatus `json:"status"`

	RunID     string `json:"run_id"`
	Iteration int    `json:"iteration"`

	FailureReason string `json:"failure_reason,omitempty"`
	FailureClass  string `json:"failure_class,omitempty"`
	ReportPath    string `json:"report_path,omitempty"`
}

func (fo *FinalOutcome) Save(path string) error {
	if fo == nil {
		return fmt.Errorf("final outcome is nil")
	}
	return WriteJSONAtomicFile(path, fo)
}

func LoadFinalOutcome(path string) (*FinalOutcome, error) {
	var fo FinalOutcome
	if err := ReadJSONFile(path, &fo); err != nil {
		return nil, err
	}
	return &fo, nil
}

// ExitCode maps a final status to the relay process exit code.
func (s FinalStatus) ExitCode() int {
	switch s {
	case FinalSuccess:
		return 0
	case FinalHalted:
		return 2
	case FinalInterrupted:
		return 3
	default:
		return 1
	}
}
