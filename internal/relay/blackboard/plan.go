package blackboard

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"

	"github.com/oklog/ulid/v2"

	"github.com/danshapiro/relay/internal/relay/failure"
)

// PlanHash returns the current plan hash ("" when plan.md is absent).
func (b *Board) PlanHash() (string, error) {
	h, ok, err := HashFile(b.Path(PlanFile))
	if err != nil || !ok {
		return "", err
	}
	return h, nil
}

// StagePlan writes a proposed plan next to the live one. Nothing changes
// until CommitPlan.
func (b *Board) StagePlan(content string) error {
	return b.WriteAtomic(StagedPlanFile, []byte(content))
}

// CommitPlan backs up the live plan and renames the staged plan over it.
// It returns the backup path, or "" when nothing was staged.
func (b *Board) CommitPlan(iteration int) (string, error) {
	staged := b.Path(StagedPlanFile)
	if _, err := os.Stat(staged); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	var backup string
	current, ok, err := b.Read(PlanFile)
	if err != nil {
		return "", err
	}
	if ok {
		backup = path.Join(BackupsDir, fmt.Sprintf("plan.%04d.%s.md", iteration, ulid.Make().String()))
		if err := b.WriteAtomic(backup, current); err != nil {
			return "", fmt.Errorf("backup plan: %w", err)
		}
	}
	if err := os.Rename(staged, b.Path(PlanFile)); err != nil {
		return "", fmt.Errorf("commit plan: %w", err)
	}
	return backup, nil
}

// VerifyPlanUnchanged fails with a plan-mutation violation when the plan
// hash differs from before.
func (b *Board) VerifyPlanUnchanged(before string) error {
	after, err := b.PlanHash()
	if err != nil {
		return err
	}
	if after != before {
		detail := "plan changed outside stage/commit"
		if after == "" {
			detail = "plan deleted outside stage/commit"
		}
		return failure.Violation(failure.KindPlanMutation, PlanFile, detail)
	}
	return nil
}
