package helper

import (
	"context"
	"os"
	"path/filepath"
	"time"
)

// Recognized helper CLI arguments. The helper's contract is a single JSON
// object on stdout for either operation.
const (
	ArgCheck  = "check"
	ArgEnroll = "enroll"
)

// Service ties the locator and runner together: every invocation re-resolves
// the installed helper build so an in-place upgrade is picked up immediately.
type Service struct {
	root string
}

// NewService returns a service searching for helper builds under root. When
// root is empty, a "huella-helper" directory next to the agent binary is used.
func NewService(root string) *Service {
	if root == "" {
		root = defaultRoot()
	}
	return &Service{root: root}
}

// Run locates the current helper build and invokes it.
func (s *Service) Run(ctx context.Context, args []string, timeout time.Duration) Outcome {
	return Run(ctx, Locate(s.root), args, timeout)
}

func defaultRoot() string {
	exe, err := os.Executable()
	if err != nil {
		return "huella-helper"
	}
	return filepath.Join(filepath.Dir(exe), "huella-helper")
}
